package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/recall/internal/consolidation"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/model"
)

// Admin is the slice of the engine the built-in capabilities drive.
type Admin interface {
	MemoryStats(ctx context.Context, userID string) memory.Stats
	ForceConsolidation(ctx context.Context, userID string) (*consolidation.Report, error)
	ForgetMemories(ctx context.Context, userID string) (int, error)
}

// RegisterBuiltins registers /stats, /consolidate, /forget and /help.
func RegisterBuiltins(reg *Registry, admin Admin) {
	reg.Register(statsCapability(admin))
	reg.Register(consolidateCapability(admin))
	reg.Register(forgetCapability(admin))
	reg.Register(helpCapability(reg))
}

func statsCapability(admin Admin) *Capability {
	return &Capability{
		Name:        "stats",
		Description: "Show your long-term memory statistics",
		Usage:       "/stats",
		Handler: func(ctx context.Context, in *Input) (*Result, error) {
			st := admin.MemoryStats(ctx, in.UserID)
			if st.Total == 0 {
				return &Result{Content: "No memories stored yet.", Data: st}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Memories: %d (mean decay %.2f)\n", st.Total, st.MeanDecay)
			for _, k := range model.Kinds {
				fmt.Fprintf(&b, "  %s: %d\n", k, st.ByKind[k])
			}
			return &Result{Content: b.String(), Data: st}, nil
		},
	}
}

func consolidateCapability(admin Admin) *Capability {
	return &Capability{
		Name:        "consolidate",
		Description: "Consolidate your memories now",
		Usage:       "/consolidate",
		Handler: func(ctx context.Context, in *Input) (*Result, error) {
			report, err := admin.ForceConsolidation(ctx, in.UserID)
			if err != nil {
				return nil, err
			}
			content := fmt.Sprintf("Consolidation %s.", report.Status)
			if len(report.Users) == 1 {
				u := report.Users[0]
				content = fmt.Sprintf("Consolidation %s: merged %d, promoted %d, pruned %d.",
					report.Status, u.Merged, u.Promoted, u.Pruned)
			}
			return &Result{Content: content, Data: report}, nil
		},
	}
}

func forgetCapability(admin Admin) *Capability {
	return &Capability{
		Name:        "forget",
		Description: "Erase your long-term memories",
		Usage:       "/forget confirm",
		Handler: func(ctx context.Context, in *Input) (*Result, error) {
			if in.Args != "confirm" {
				return &Result{Content: "This erases all your memories. Run /forget confirm to proceed."}, nil
			}
			n, err := admin.ForgetMemories(ctx, in.UserID)
			if err != nil {
				return nil, err
			}
			return &Result{Content: fmt.Sprintf("Forgot %d memories.", n)}, nil
		},
	}
}

func helpCapability(reg *Registry) *Capability {
	return &Capability{
		Name:        "help",
		Description: "List available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ *Input) (*Result, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range reg.List() {
				fmt.Fprintf(&b, "  /%s: %s\n", c.Name, c.Description)
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &Result{Content: b.String()}, nil
		},
	}
}
