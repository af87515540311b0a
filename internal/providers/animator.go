package providers

import (
	"context"

	"github.com/seriesme/seriesme-agent/internal/assemble"
)

// AnimationProvider decides how the portrait is brought to life. It returns
// the render options the orchestrator should use.
type AnimationProvider = Provider[assemble.RenderOptions, assemble.RenderOptions]

// KenBurns animates locally with the composer's slow zoom and pan.
type KenBurns struct{}

func (KenBurns) Info() Info {
	return Info{Name: "kenburns", Cost: CostFree, Quality: QualityBasic}
}

func (KenBurns) Available(context.Context) bool { return true }

func (KenBurns) Run(_ context.Context, opts assemble.RenderOptions) (assemble.RenderOptions, error) {
	opts.KenBurns = true
	return opts, nil
}

// AnimateFunc adapts an animation chain to the job runner's hook.
func AnimateFunc(chain *Chain[assemble.RenderOptions, assemble.RenderOptions]) func(ctx context.Context, opts assemble.RenderOptions) (assemble.RenderOptions, error) {
	return func(ctx context.Context, opts assemble.RenderOptions) (assemble.RenderOptions, error) {
		out, _, err := chain.Run(ctx, opts)
		return out, err
	}
}
