package report

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/anthonynsimon/bild/transform"
	"github.com/go-pdf/fpdf"
	_ "image/gif"
	_ "image/png"

	"relief3d/internal/models"
)

const (
	pageMargin   = 72.0
	bottomMargin = 18.0
	imageMaxW    = 4.5 * 72 // points
	imageMaxH    = 3.5 * 72
	bodyLineHt   = 14.0
)

// Options describe one learning report.
type Options struct {
	ImageName string
	Summary   string
	History   []models.ChatTurn
	ImagePath string // optional; skipped when empty or unreadable
}

// Generate renders the report as PDF bytes.
func Generate(opts Options) ([]byte, error) {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, bottomMargin)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Title
	pdf.SetFont("Helvetica", "B", 24)
	pdf.SetTextColor(0x1e, 0x40, 0xaf)
	pdf.CellFormat(0, 28, tr("Interactive 3D Learning Report"), "", 1, "C", false, 0, "")
	pdf.Ln(16)

	// Metadata
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Write(bodyLineHt, "Image: ")
	pdf.SetFont("Helvetica", "", 11)
	pdf.Write(bodyLineHt, tr(opts.ImageName)+"\n")
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Write(bodyLineHt, "Generated: ")
	pdf.SetFont("Helvetica", "", 11)
	pdf.Write(bodyLineHt, time.Now().Format("January 2, 2006 at 3:04 PM")+"\n")
	pdf.Ln(20)

	if opts.ImagePath != "" {
		if _, err := os.Stat(opts.ImagePath); err == nil {
			writeHeading(pdf, "Original Image")
			if err := embedImage(pdf, opts.ImagePath); err != nil {
				// The report is still useful without the picture.
				pdf.SetFont("Helvetica", "I", 11)
				pdf.SetTextColor(0, 0, 0)
				pdf.Write(bodyLineHt, "Original image could not be included in the report.\n")
			}
			pdf.Ln(20)
		}
	}

	writeHeading(pdf, "Summary")
	writeMarkdown(pdf, tr, opts.Summary)
	pdf.Ln(20)

	if len(opts.History) > 0 {
		writeHeading(pdf, "Conversation History")
		pdf.Ln(6)
		pdf.SetLeftMargin(pageMargin + 20)
		pdf.SetX(pageMargin + 20)
		for _, turn := range opts.History {
			var label string
			switch turn.Role {
			case string(models.RoleUser):
				label = "You: "
			case string(models.RoleAssistant):
				label = "AI Assistant: "
			default:
				continue
			}
			pdf.SetTextColor(0x1f, 0x29, 0x37)
			pdf.SetFont("Helvetica", "B", 11)
			pdf.Write(bodyLineHt, label)
			writeMarkdown(pdf, tr, turn.Content)
			pdf.Ln(8)
		}
		pdf.SetLeftMargin(pageMargin)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeading(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.SetTextColor(0x1e, 0x40, 0xaf)
	pdf.CellFormat(0, 18, text, "", 1, "L", false, 0, "")
	pdf.Ln(4)
	pdf.SetTextColor(0, 0, 0)
}

// markdownSpan matches **bold** before *italic* so double asterisks are
// never consumed as two italic markers.
var markdownSpan = regexp.MustCompile(`\*\*([^*]+)\*\*|\*([^*]+)\*`)

// writeMarkdown renders text with **bold** and *italic* runs styled.
func writeMarkdown(pdf *fpdf.Fpdf, tr func(string) string, text string) {
	pdf.SetFont("Helvetica", "", 11)
	last := 0
	for _, m := range markdownSpan.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			pdf.Write(bodyLineHt, tr(text[last:m[0]]))
		}
		if m[2] >= 0 {
			pdf.SetFont("Helvetica", "B", 11)
			pdf.Write(bodyLineHt, tr(text[m[2]:m[3]]))
		} else {
			pdf.SetFont("Helvetica", "I", 11)
			pdf.Write(bodyLineHt, tr(text[m[4]:m[5]]))
		}
		pdf.SetFont("Helvetica", "", 11)
		last = m[1]
	}
	if last < len(text) {
		pdf.Write(bodyLineHt, tr(text[last:]))
	}
	pdf.Write(bodyLineHt, "\n")
}

// embedImage places the source image on the page, matted onto white,
// scaled to fit within imageMaxW x imageMaxH while keeping its aspect.
func embedImage(pdf *fpdf.Fpdf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return err
	}

	bounds := src.Bounds()
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	if w <= 0 || h <= 0 {
		return fmt.Errorf("empty image %s", path)
	}
	scale := 1.0
	if w > imageMaxW || h > imageMaxH {
		scale = min(imageMaxW/w, imageMaxH/h)
	}
	targetW, targetH := w*scale, h*scale

	// Matte onto white so transparency renders cleanly in JPEG.
	rgb := image.NewRGBA(bounds)
	draw.Draw(rgb, bounds, image.White, image.Point{}, draw.Src)
	draw.Draw(rgb, bounds, src, bounds.Min, draw.Over)
	resized := transform.Resize(rgb, int(targetW), int(targetH), transform.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return err
	}

	name := "report_" + strings.ReplaceAll(path, "/", "_")
	pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPEG"}, &buf)
	pdf.ImageOptions(name, pageMargin, pdf.GetY(), targetW, targetH, true, fpdf.ImageOptions{ImageType: "JPEG"}, 0, "")
	return pdf.Error()
}
