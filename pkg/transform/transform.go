// Package transform holds the pure hooks applied around task execution:
// Preprocess validates and normalizes a payload before it is queued,
// Postprocess shapes a result before it is returned to a caller.
//
// Payloads are JSON objects. Recognized keys get extra checks:
//   - "image": path to a JPEG, PNG or GIF file; dimensions are read and
//     checked, and "image_info" is added
//   - "video": path to an MP4, AVI or MOV file; an optional numeric
//     "duration" is checked, and "video_info" is added
//   - "text": string checked against the configured length bounds
//
// Anything else passes through unchanged.
package transform

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload marks payloads rejected by Preprocess.
var ErrInvalidPayload = errors.New("invalid payload")

// Limits bound what Preprocess accepts.
type Limits struct {
	MaxImageWidth   int
	MaxImageHeight  int
	MinImageWidth   int
	MinImageHeight  int
	MaxImageBytes   int64
	MaxVideoSeconds float64
	MaxTextLength   int
}

// DefaultLimits mirrors the engine's stock configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxImageWidth:   4096,
		MaxImageHeight:  4096,
		MinImageWidth:   100,
		MinImageHeight:  100,
		MaxImageBytes:   10 << 20,
		MaxVideoSeconds: 300,
		MaxTextLength:   10000,
	}
}

var videoFormats = map[string]string{
	".mp4": "MP4",
	".avi": "AVI",
	".mov": "MOV",
}

// Preprocessor validates payloads against Limits.
type Preprocessor struct {
	limits   Limits
	validate *validator.Validate
}

// NewPreprocessor returns a Preprocessor enforcing limits.
func NewPreprocessor(limits Limits) *Preprocessor {
	return &Preprocessor{limits: limits, validate: validator.New()}
}

// Preprocess returns a validated copy of data. data itself is not modified.
func (p *Preprocessor) Preprocess(data map[string]interface{}) (map[string]interface{}, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}

	switch {
	case out["image"] != nil:
		return out, p.image(out)
	case out["video"] != nil:
		return out, p.video(out)
	case out["text"] != nil:
		return out, p.text(out)
	}
	return out, nil
}

func (p *Preprocessor) image(data map[string]interface{}) error {
	path, ok := data["image"].(string)
	if !ok {
		return fmt.Errorf("%w: image must be a file path", ErrInvalidPayload)
	}
	if err := p.validate.Var(path, "required,file,image"); err != nil {
		return fmt.Errorf("%w: image %q is not a readable image file", ErrInvalidPayload, path)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.limits.MaxImageBytes > 0 && fi.Size() > p.limits.MaxImageBytes {
		return fmt.Errorf("%w: image is %d bytes, limit is %d", ErrInvalidPayload, fi.Size(), p.limits.MaxImageBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: unsupported image: %v", ErrInvalidPayload, err)
	}
	if cfg.Width < p.limits.MinImageWidth || cfg.Height < p.limits.MinImageHeight {
		return fmt.Errorf("%w: image is %dx%d, minimum is %dx%d", ErrInvalidPayload,
			cfg.Width, cfg.Height, p.limits.MinImageWidth, p.limits.MinImageHeight)
	}

	info := map[string]interface{}{
		"width":  cfg.Width,
		"height": cfg.Height,
		"format": strings.ToUpper(format),
	}
	if w, h, scaled := fit(cfg.Width, cfg.Height, p.limits.MaxImageWidth, p.limits.MaxImageHeight); scaled {
		info["resize_to"] = map[string]interface{}{"width": w, "height": h}
	}
	data["image_info"] = info
	return nil
}

func (p *Preprocessor) video(data map[string]interface{}) error {
	path, ok := data["video"].(string)
	if !ok {
		return fmt.Errorf("%w: video must be a file path", ErrInvalidPayload)
	}
	if err := p.validate.Var(path, "required,file"); err != nil {
		return fmt.Errorf("%w: video %q is not a readable file", ErrInvalidPayload, path)
	}
	format, ok := videoFormats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return fmt.Errorf("%w: unsupported video format %q", ErrInvalidPayload, filepath.Ext(path))
	}

	info := map[string]interface{}{"format": format}
	if raw, present := data["duration"]; present {
		seconds, ok := raw.(float64)
		if !ok || seconds < 0 {
			return fmt.Errorf("%w: duration must be a non-negative number of seconds", ErrInvalidPayload)
		}
		if p.limits.MaxVideoSeconds > 0 && seconds > p.limits.MaxVideoSeconds {
			return fmt.Errorf("%w: video is %.1fs, limit is %.1fs", ErrInvalidPayload, seconds, p.limits.MaxVideoSeconds)
		}
		info["duration"] = seconds
	}
	data["video_info"] = info
	return nil
}

func (p *Preprocessor) text(data map[string]interface{}) error {
	s, ok := data["text"].(string)
	if !ok {
		return fmt.Errorf("%w: text must be a string", ErrInvalidPayload)
	}
	s = strings.TrimSpace(s)
	tag := "required"
	if p.limits.MaxTextLength > 0 {
		tag = fmt.Sprintf("required,max=%d", p.limits.MaxTextLength)
	}
	if err := p.validate.Var(s, tag); err != nil {
		return fmt.Errorf("%w: text must be non-empty and at most %d characters", ErrInvalidPayload, p.limits.MaxTextLength)
	}
	data["text"] = s
	return nil
}

// fit scales w x h down to fit within maxW x maxH, keeping the aspect ratio.
func fit(w, h, maxW, maxH int) (int, int, bool) {
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return w, h, false
	}
	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	return int(float64(w) * scale), int(float64(h) * scale), true
}

// Postprocess shapes a work result for callers. Object results are returned
// as-is; any other value is wrapped as {"value": v}.
func Postprocess(result interface{}) map[string]interface{} {
	if m, ok := result.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": result}
}
