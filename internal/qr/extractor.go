// Package qr decodes and validates the ELI QR codes printed on test strips.
package qr

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// maxDetectDim caps the working copy used for detection. Decoding cost grows
// with pixel count, and codes remain readable well below this size.
const maxDetectDim = 1024

var (
	codePattern = regexp.MustCompile(`^ELI-\d{4}-[A-Z0-9]{3}$`)
	yearPattern = regexp.MustCompile(`^ELI-(\d{4})`)
)

// Result carries everything the extractor learned from one image.
// A zero Result with Err set means extraction failed; a zero Result without
// Err means the image simply contained no decodable QR payload.
type Result struct {
	// Raw is the payload exactly as read, before any normalization.
	// Empty when no code was decoded.
	Raw string
	// Normalized is Raw trimmed and upper-cased.
	Normalized string
	// Valid reports whether Normalized matches the ELI-YYYY-XXX pattern.
	Valid bool
	// ExpirationYear is the 4-digit year parsed from a valid code, 0 otherwise.
	ExpirationYear int
	// IsExpired is true iff the code is valid and its year has passed.
	IsExpired bool
	// Err records a decoding failure. It is diagnostic only; extraction
	// failure never aborts the caller and degrades to "no code detected".
	Err error
}

// Extractor decodes QR payloads from image files.
type Extractor struct {
	reader gozxing.Reader
}

// NewExtractor creates an Extractor backed by the gozxing QR reader.
func NewExtractor() *Extractor {
	return &Extractor{reader: qrcode.NewQRCodeReader()}
}

// Extract reads the image at imagePath, locates a QR payload on a downscaled
// working copy, and classifies it. All failures surface inside the Result;
// Extract itself never fails.
func (e *Extractor) Extract(imagePath string) Result {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return Result{Err: err}
	}

	// Detect on a bounded copy; Fit preserves aspect ratio and never
	// upscales. The original image is untouched.
	detect := img
	if img.Bounds().Dx() > maxDetectDim || img.Bounds().Dy() > maxDetectDim {
		detect = imaging.Fit(img, maxDetectDim, maxDetectDim, imaging.Lanczos)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(detect)
	if err != nil {
		return Result{Err: err}
	}

	decoded, err := e.reader.Decode(bmp, map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	})
	if err != nil {
		// No payload in the frame is a normal outcome, not a failure.
		if _, notFound := err.(gozxing.NotFoundException); notFound {
			return Result{}
		}
		return Result{Err: err}
	}

	return Classify(decoded.GetText())
}

// Classify normalizes and validates a raw QR payload and derives the
// expiration fields. It is exposed separately so tests can exercise the rules
// without synthesizing images.
func Classify(raw string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}
	}

	result := Result{
		Raw:        raw,
		Normalized: strings.ToUpper(raw),
	}
	result.Valid = codePattern.MatchString(result.Normalized)
	if result.Valid {
		result.ExpirationYear, result.IsExpired = CheckExpiration(result.Normalized)
	}
	return result
}

// CheckExpiration parses the year out of a stored code and compares it to the
// current calendar year. Expiration is strictly year-granular: a code for the
// current year is not expired. Callers recompute this at read time because
// "current year" changes.
func CheckExpiration(code string) (expirationYear int, isExpired bool) {
	match := yearPattern.FindStringSubmatch(code)
	if match == nil {
		return 0, false
	}
	expirationYear, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return expirationYear, expirationYear < time.Now().Year()
}
