package gstsource

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineParts holds the element references needed after construction:
// the appsink for callbacks, rtspsrc for dynamic pad linking, and the
// depayloader the dynamic pads link to.
type pipelineParts struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	src      *gst.Element
	depay    *gst.Element
}

// buildPipeline assembles the decode chain:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter → appsink
//
// The pipeline is configured but not started (state stays NULL); the caller
// sets it PLAYING after wiring the appsink callbacks.
func buildPipeline(cfg Config) (*pipelineParts, error) {
	// Safe to call multiple times.
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create rtspsrc: %w", err)
	}
	src.SetProperty("location", cfg.URL)
	src.SetProperty("protocols", 4) // TCP only
	src.SetProperty("latency", int(cfg.Latency.Milliseconds()))
	src.SetProperty("ntp-sync", false)

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create rtph264depay: %w", err)
	}
	// Request keyframes on packet loss for faster recovery.
	depay.SetProperty("request-keyframe", true)

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0) // 0 = auto-detect cores
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)     // only drop frames, never duplicate
	videorate.SetProperty("skip-to-first", true) // skip to first frame on start

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(formatCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstsource: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // no sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // keep only the latest frame
	appsink.SetProperty("drop", true)     // drop old frames

	pipeline.AddMany(
		src,
		depay,
		decoder,
		converter,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	)

	// rtspsrc has dynamic pads; they are linked in the pad-added callback.
	if err := gst.ElementLinkMany(
		depay,
		decoder,
		converter,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	); err != nil {
		return nil, fmt.Errorf("gstsource: failed to link pipeline elements: %w", err)
	}

	return &pipelineParts{
		pipeline: pipeline,
		appsink:  appsink,
		src:      src,
		depay:    depay,
	}, nil
}

// linkDynamicPad links a late rtspsrc pad to the depayloader. Connected to
// the "pad-added" signal because rtspsrc pads are not known at pipeline
// creation time.
func linkDynamicPad(srcPad *gst.Pad, depay *gst.Element) {
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstsource: depayloader has no sink pad")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstsource: failed to link rtsp pad",
			"src_pad", srcPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gstsource: rtsp pad linked", "src_pad", srcPad.GetName())
}

// destroyPipeline sets the pipeline to NULL, releasing its resources. Safe
// to call on an already-destroyed pipeline.
func destroyPipeline(parts *pipelineParts) error {
	if parts == nil || parts.pipeline == nil {
		return nil
	}
	if err := parts.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsource: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// formatCaps builds the appsink caps string. Fractional rates follow the
// GStreamer convention: 0.5 fps → framerate=1/2.
func formatCaps(width, height int32, fps float64) string {
	numerator := 1
	denominator := 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator,
	)
}
