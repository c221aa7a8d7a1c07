package aggregator

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// parseHTMLTable reads proxy rows out of an HTML listing page. The first
// cell of each row is the host and the second the port; rows that don't
// look like that come out malformed and are dropped by Normalize.
func parseHTMLTable(r io.Reader) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var lines []string
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		host := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		lines = append(lines, host+":"+port)
	})
	return lines, nil
}
