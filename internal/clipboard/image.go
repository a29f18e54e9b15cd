package clipboard

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif" // decode support for measuring inbound gifs
	_ "image/png" // decode support for measuring inbound pngs
)

// recompressForTransmission implements the image ingestion rule: if raw
// bytes exceed maxRawSizeForCompression, downscale so the longest side is at
// most maxDimensionPx (preserving aspect ratio), then JPEG-encode at
// quality 0.85 decreasing in 0.1 steps down to 0.4 until the result fits
// under maxAttachmentBytes. Returns ok=false if even quality 0.4 doesn't fit.
func recompressForTransmission(raw []byte, maxRawSizeForCompression, maxDimensionPx, maxAttachmentBytes int) (out []byte, ok bool, err error) {
	if len(raw) <= maxRawSizeForCompression {
		return raw, true, nil
	}
	img, _, decErr := image.Decode(bytes.NewReader(raw))
	if decErr != nil {
		return nil, false, fmt.Errorf("clipboard: decode image: %w", decErr)
	}
	img = downscaleToFit(img, maxDimensionPx)

	for _, q := range []int{85, 75, 65, 55, 45, 40} {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, false, fmt.Errorf("clipboard: jpeg encode: %w", err)
		}
		if buf.Len() <= maxAttachmentBytes {
			return buf.Bytes(), true, nil
		}
	}
	return nil, false, nil
}

// decodeDims returns the pixel dimensions of an encoded image without
// fully decoding it.
func decodeDims(data []byte) (w, h int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// downscaleToFit returns img unchanged if its longest side is already <=
// maxDimensionPx, otherwise a nearest-neighbor-resized copy. The output is
// immediately re-JPEG-encoded, so a higher-quality resampler would not
// change what goes on the wire in any way that survives the re-encode.
func downscaleToFit(img image.Image, maxDimensionPx int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDimensionPx || maxDimensionPx <= 0 {
		return img
	}
	scale := float64(maxDimensionPx) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		sy := b.Min.Y + y*h/newH
		for x := 0; x < newW; x++ {
			sx := b.Min.X + x*w/newW
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}
