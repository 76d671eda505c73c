package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"github.com/google/uuid"
)

// canvasMaxDim bounds canvas dimensions.
const canvasMaxDim = 4096

// Canvas serves the canvas.* namespace with an in-memory mock surface:
// isolates draw primitive operations and export PNG snapshots, with no
// rendering engine behind it.
type Canvas struct {
	mu       sync.Mutex
	surfaces map[string]*surface
}

type surface struct {
	img *image.RGBA
	ops int
}

// NewCanvas creates the handler.
func NewCanvas() *Canvas {
	return &Canvas{surfaces: make(map[string]*surface)}
}

// Execute dispatches canvas verbs.
func (c *Canvas) Execute(_ context.Context, verb string, params map[string]any) (any, error) {
	switch verb {
	case "create":
		return c.create(params)
	case "draw":
		return c.draw(params)
	case "export":
		return c.export(params)
	default:
		return nil, fmt.Errorf("unknown canvas verb %q", verb)
	}
}

func (c *Canvas) create(params map[string]any) (any, error) {
	width := intParam(params, "width", 300)
	height := intParam(params, "height", 150)
	if width <= 0 || height <= 0 || width > canvasMaxDim || height > canvasMaxDim {
		return nil, fmt.Errorf("invalid canvas size %dx%d", width, height)
	}

	id := uuid.New().String()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	c.mu.Lock()
	c.surfaces[id] = &surface{img: img}
	c.mu.Unlock()

	return map[string]any{"canvas_id": id, "width": width, "height": height}, nil
}

func (c *Canvas) draw(params map[string]any) (any, error) {
	id, err := strParam(params, "canvas_id")
	if err != nil {
		return nil, err
	}
	ops, ok := params["ops"].([]any)
	if !ok {
		return nil, fmt.Errorf("ops parameter required and must be an array")
	}

	c.mu.Lock()
	s, exists := c.surfaces[id]
	c.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("canvas %q not found", id)
	}

	applied := 0
	for _, raw := range ops {
		op, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := applyOp(s.img, op); err != nil {
			return nil, err
		}
		applied++
	}
	s.ops += applied
	return map[string]any{"applied": applied}, nil
}

func applyOp(img *image.RGBA, op map[string]any) error {
	col, err := parseColor(optStrParam(op, "color"))
	if err != nil {
		return err
	}

	switch kind := optStrParam(op, "op"); kind {
	case "rect":
		x, y := intParam(op, "x", 0), intParam(op, "y", 0)
		w, h := intParam(op, "w", 0), intParam(op, "h", 0)
		rect := image.Rect(x, y, x+w, y+h).Intersect(img.Bounds())
		draw.Draw(img, rect, image.NewUniform(col), image.Point{}, draw.Src)
	case "pixel":
		x, y := intParam(op, "x", 0), intParam(op, "y", 0)
		if image.Pt(x, y).In(img.Bounds()) {
			img.Set(x, y, col)
		}
	case "clear":
		draw.Draw(img, img.Bounds(), image.NewUniform(col), image.Point{}, draw.Src)
	default:
		return fmt.Errorf("unknown draw op %q", kind)
	}
	return nil
}

func (c *Canvas) export(params map[string]any) (any, error) {
	id, err := strParam(params, "canvas_id")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	s, exists := c.surfaces[id]
	c.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("canvas %q not found", id)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, s.img); err != nil {
		return nil, fmt.Errorf("failed to encode canvas: %w", err)
	}
	return map[string]any{
		"format": "png",
		"data":   base64.StdEncoding.EncodeToString(buf.Bytes()),
		"ops":    s.ops,
	}, nil
}

// parseColor accepts "#rrggbb" and "#rrggbbaa", defaulting to black.
func parseColor(s string) (color.RGBA, error) {
	if s == "" {
		return color.RGBA{A: 255}, nil
	}
	var r, g, b, a uint8 = 0, 0, 0, 255
	switch len(s) {
	case 7:
		if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
			return color.RGBA{}, fmt.Errorf("invalid color %q", s)
		}
	case 9:
		if _, err := fmt.Sscanf(s, "#%02x%02x%02x%02x", &r, &g, &b, &a); err != nil {
			return color.RGBA{}, fmt.Errorf("invalid color %q", s)
		}
	default:
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.RGBA{R: r, G: g, B: b, A: a}, nil
}
