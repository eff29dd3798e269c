// Package imaging prepares intake images for storage and screening.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/draw"
)

const (
	// MaxDimension bounds the longest side of a converted radiograph.
	MaxDimension  = 2048
	jpegQuality   = 90
	dicomPreamble = 128
)

var ErrNoPixelData = errors.New("imaging: dicom file has no pixel data")

// Image is an intake upload.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// IsDICOM reports whether the upload looks like a DICOM file, by extension,
// content type or the DICM magic after the preamble.
func IsDICOM(img Image) bool {
	ext := strings.ToLower(filepath.Ext(img.Name))
	if ext == ".dcm" || ext == ".dicom" {
		return true
	}
	if strings.EqualFold(img.ContentType, "application/dicom") {
		return true
	}
	return len(img.Data) >= dicomPreamble+4 && string(img.Data[dicomPreamble:dicomPreamble+4]) == "DICM"
}

// Normalize converts DICOM radiographs to JPEG and passes anything else
// through unchanged. converted reports whether a conversion happened.
func Normalize(img Image) (out Image, converted bool, err error) {
	if !IsDICOM(img) {
		return img, false, nil
	}
	data, err := DICOMToJPEG(img.Data)
	if err != nil {
		return Image{}, false, err
	}
	name := strings.TrimSuffix(img.Name, filepath.Ext(img.Name)) + ".jpg"
	return Image{Name: name, ContentType: "image/jpeg", Data: data}, true, nil
}

// DICOMToJPEG renders the first frame of a DICOM file as a JPEG, stretching
// the stored intensity range to 8 bits and downscaling large images.
func DICOMToJPEG(data []byte) ([]byte, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("imaging: parse dicom: %w", err)
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, ErrNoPixelData
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, ErrNoPixelData
	}
	src, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("imaging: decode frame: %w", err)
	}

	gray := stretch(src)
	var out image.Image = gray
	if b := gray.Bounds(); b.Dx() > MaxDimension || b.Dy() > MaxDimension {
		w, h := fit(b.Dx(), b.Dy(), MaxDimension)
		scaled := image.NewGray(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), gray, b, draw.Src, nil)
		out = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// stretch maps the observed intensity range onto 0..255.
func stretch(src image.Image) *image.Gray {
	b := src.Bounds()
	lo, hi := uint16(0xffff), uint16(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16).Y
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	span := uint32(hi) - uint32(lo)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16).Y
			var g uint8
			if span > 0 {
				g = uint8((uint32(v-lo) * 255) / span)
			}
			dst.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: g})
		}
	}
	return dst
}

func fit(w, h, limit int) (int, int) {
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}
