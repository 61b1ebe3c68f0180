package archive

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/slapelachie/mangadex-dl/pkg/data"
)

// ComicInfo is the metadata sidecar embedded in every CBZ. Readers such
// as Komga and Mylar use it for titles, numbering and reading direction.
type ComicInfo struct {
	// XMLName is a meta field that must be left unchanged.
	XMLName  xml.Name `xml:"ComicInfo"`
	XmlnsXsi string   `xml:"xmlns:xsi,attr"`
	XmlnsXsd string   `xml:"xmlns:xsd,attr"`

	Title       string `xml:"Title,omitempty"`
	Series      string `xml:"Series,omitempty"`
	Number      string `xml:"Number"`
	Summary     string `xml:"Summary,omitempty"`
	Year        int    `xml:"Year,omitempty"`
	Writer      string `xml:"Writer,omitempty"`
	PageCount   int    `xml:"PageCount,omitempty"`
	LanguageISO string `xml:"LanguageISO,omitempty"`
	Manga       string `xml:"Manga,omitempty"`
}

// NewComicInfo builds the ComicInfo record for one chapter. A series
// without a publication year falls back to the current year.
func NewComicInfo(series data.Series, chapter data.Chapter, pageCount int) ComicInfo {
	year := series.Year
	if year == 0 {
		year = time.Now().Year()
	}

	return ComicInfo{
		XmlnsXsi:    "http://www.w3.org/2001/XMLSchema-instance",
		XmlnsXsd:    "http://www.w3.org/2001/XMLSchema",
		Title:       chapter.Title,
		Series:      series.Title,
		Number:      FormatChapterNumber(chapter.Number),
		Summary:     series.Description,
		Year:        year,
		Writer:      series.Author,
		PageCount:   pageCount,
		LanguageISO: chapter.Language,
		Manga:       "YesAndRightToLeft",
	}
}

// Marshal renders the document with the standard XML header.
func (c ComicInfo) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ComicInfo: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// FormatChapterNumber renders a chapter number with one decimal place and
// the trailing ".0" trimmed: 2.0 -> "2", 2.5 -> "2.5".
func FormatChapterNumber(number float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.1f", number), "0"), ".")
}
