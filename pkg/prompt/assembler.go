package prompt

import (
	"context"
	"log/slog"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/memory"
	"github.com/runehq/rune/pkg/persona"
	"github.com/runehq/rune/pkg/task"
)

// Limits caps how many items each section injects.
type Limits struct {
	UserMemories         int
	RelationshipMemories int
	RoomMemories         int
	GlobalMemories       int
	UserStories          int
	OpenTasks            int
}

// DefaultLimits mirrors the defaults the sections were tuned with.
var DefaultLimits = Limits{
	UserMemories:         12,
	RelationshipMemories: 12,
	RoomMemories:         8,
	GlobalMemories:       8,
	UserStories:          8,
	OpenTasks:            16,
}

// Assembler builds prompt blocks from the repositories.
type Assembler struct {
	Memory *memory.Store
	Tasks  *task.Store

	// TTS selects the speech-friendly persona variant.
	TTS bool

	// Limits falls back to DefaultLimits field-by-field when zero.
	Limits Limits
}

func (l Limits) orDefault() Limits {
	d := DefaultLimits
	if l.UserMemories > 0 {
		d.UserMemories = l.UserMemories
	}
	if l.RelationshipMemories > 0 {
		d.RelationshipMemories = l.RelationshipMemories
	}
	if l.RoomMemories > 0 {
		d.RoomMemories = l.RoomMemories
	}
	if l.GlobalMemories > 0 {
		d.GlobalMemories = l.GlobalMemories
	}
	if l.UserStories > 0 {
		d.UserStories = l.UserStories
	}
	if l.OpenTasks > 0 {
		d.OpenTasks = l.OpenTasks
	}
	return d
}

// Assemble builds the prompt block for one reply. Repository failures
// degrade to a smaller prompt rather than failing the turn.
func (a *Assembler) Assemble(ctx context.Context, key dialog.Key) *Block {
	blk := &Block{}
	lim := a.Limits.orDefault()

	memSection := func(header string, f memory.Filter) {
		items, err := a.Memory.Query(ctx, f)
		if err != nil {
			slog.Warn("prompt: memory section dropped", "header", header, "err", err)
			blk.Degraded = true
			return
		}
		if len(items) == 0 {
			return
		}
		sec := Section{Header: header}
		for _, it := range items {
			sec.Lines = append(sec.Lines, FormatMemLine(it))
		}
		blk.Sections = append(blk.Sections, sec)
	}

	if key.ActorID != "" {
		memSection("About the current user ("+key.ActorID+"):", memory.Filter{
			Scope:     memory.ScopeUser,
			SubjectID: key.ActorID,
			Limit:     lim.UserMemories,
		})
		memSection("About the relationship / prior dialogs with ("+key.ActorID+"):", memory.Filter{
			Scope:     memory.ScopeRelationship,
			SubjectID: key.ActorID,
			Limit:     lim.RelationshipMemories,
		})
	}
	if key.RoomID != "" {
		memSection("About this room/chat ("+key.RoomID+"):", memory.Filter{
			Scope:     memory.ScopeRoom,
			SubjectID: key.RoomID,
			Limit:     lim.RoomMemories,
		})
	}

	// Global notes split into general facts and stories about other
	// people, so the model does not confuse friends with the current user.
	if items, err := a.Memory.Query(ctx, memory.Filter{
		Scope:     memory.ScopeGlobal,
		SubjectID: memory.GlobalSubject,
		Limit:     lim.GlobalMemories,
	}); err != nil {
		slog.Warn("prompt: global section dropped", "err", err)
		blk.Degraded = true
	} else {
		sec := Section{Header: "General notes (global memory):"}
		for _, it := range items {
			if it.HasTag("other_user") {
				continue
			}
			sec.Lines = append(sec.Lines, FormatMemLine(it))
		}
		if len(sec.Lines) > 0 {
			blk.Sections = append(blk.Sections, sec)
		}
	}
	memSection("Notes about other people (stories about friends/acquaintances):", memory.Filter{
		Scope:     memory.ScopeGlobal,
		SubjectID: memory.GlobalSubject,
		Tag:       "other_user",
		Limit:     lim.UserStories,
	})

	if key.ActorID != "" {
		if tasks, err := a.Tasks.ListOpen(ctx, key.ActorID, lim.OpenTasks); err != nil {
			slog.Warn("prompt: task section dropped", "err", err)
			blk.Degraded = true
		} else if len(tasks) > 0 {
			sec := Section{Header: "Open tasks / promises related to this user:"}
			for _, t := range tasks {
				sec.Lines = append(sec.Lines, FormatTaskLine(t))
			}
			blk.Sections = append(blk.Sections, sec)
		}
	}

	blk.System = persona.SystemPrompt(a.TTS)
	if mb := RenderBlock(blk.Sections); mb != "" {
		blk.System = blk.System + "\n\n" + mb + "\n"
	}
	return blk
}
