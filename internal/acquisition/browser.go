package acquisition

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// playerDetailsJS reads the fields of the embedded player response the probe needs
const playerDetailsJS = `(() => {
	const r = window.ytInitialPlayerResponse;
	if (!r) { return null; }
	const d = r.videoDetails || {};
	const p = r.playabilityStatus || {};
	return {
		lengthSeconds: d.lengthSeconds || "",
		title: d.title || "",
		status: p.status || "",
		reason: p.reason || ""
	};
})()`

type playerDetails struct {
	LengthSeconds string `json:"lengthSeconds"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

// BrowserProber reads source metadata by loading the watch page in headless Chrome
type BrowserProber struct {
	allocOpts []chromedp.ExecAllocatorOption
	settle    time.Duration
	logger    *slog.Logger
}

// NewBrowserProber creates a prober using a fresh headless Chrome per probe
func NewBrowserProber(logger *slog.Logger) *BrowserProber {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("mute-audio", true),
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"),
	)
	return &BrowserProber{
		allocOpts: opts,
		settle:    2 * time.Second,
		logger:    logger.With("component", "browser_probe"),
	}
}

// Probe navigates to ref and evaluates the player response
func (b *BrowserProber) Probe(ctx context.Context, ref string) (types.SourceMetadata, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocOpts...)
	defer cancelAlloc()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	b.logger.Debug("probing source", "source", ref)

	var details *playerDetails
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(ref),
		chromedp.WaitReady("body"),
		chromedp.Sleep(b.settle),
		chromedp.Evaluate(playerDetailsJS, &details, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return types.SourceMetadata{}, &types.AcquisitionError{
			Kind:    types.KindTransient,
			Message: "browser probe failed",
			Err:     err,
		}
	}
	return parsePlayerDetails(details)
}

func parsePlayerDetails(d *playerDetails) (types.SourceMetadata, error) {
	if d == nil {
		return types.SourceMetadata{}, &types.AcquisitionError{
			Kind:    types.KindTransient,
			Message: "player response not found on page",
		}
	}

	switch d.Status {
	case "", "OK":
	case "LOGIN_REQUIRED":
		return types.SourceMetadata{}, &types.AcquisitionError{Kind: types.KindForbidden, Message: forbiddenHint}
	case "ERROR", "UNPLAYABLE":
		return types.SourceMetadata{}, &types.AcquisitionError{
			Kind:    types.KindNotFound,
			Message: fmt.Sprintf("Video is unavailable: %s", d.Reason),
		}
	default:
		return types.SourceMetadata{}, &types.AcquisitionError{
			Kind:    types.KindTransient,
			Message: fmt.Sprintf("unexpected playability status %q", d.Status),
		}
	}

	meta := types.SourceMetadata{Title: d.Title}
	if d.LengthSeconds != "" {
		n, err := strconv.Atoi(d.LengthSeconds)
		if err != nil {
			return types.SourceMetadata{}, &types.AcquisitionError{
				Kind:    types.KindTransient,
				Message: "unreadable video length",
				Err:     err,
			}
		}
		meta.DurationSeconds = n
	}
	return meta, nil
}
