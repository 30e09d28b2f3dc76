package parse

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
)

// fromAIXM extracts a notice from an AIXM 5.1 event message. The ICAO text
// is preferred from the escaped XHTML <pre> block, else event:text.
func fromAIXM(payload []byte) (fields, bool) {
	if len(payload) == 0 || payload[0] != '<' {
		return fields{}, false
	}
	doc, err := xmlquery.Parse(bytes.NewReader(payload))
	if err != nil || xmlquery.FindOne(doc, "/*") == nil {
		return fields{}, false
	}

	text := ""
	for _, div := range xmlquery.Find(doc, "//*[local-name()='div']") {
		if text = preformatted(div.InnerText()); text != "" {
			break
		}
	}
	if text == "" {
		text = value(doc, "//*[local-name()='textNOTAM']/*[local-name()='NOTAM']/*[local-name()='text']")
	}
	if text == "" {
		return fields{}, false
	}

	series := value(doc, "//*[local-name()='NOTAM']/*[local-name()='series']")
	num := value(doc, "//*[local-name()='NOTAM']/*[local-name()='number']")
	year := value(doc, "//*[local-name()='NOTAM']/*[local-name()='year']")
	number := ""
	if series != "" && num != "" && len(year) >= 2 {
		number = series + num + "/" + year[len(year)-2:]
	}

	return fields{
		text:    text,
		number:  number,
		issued:  value(doc, "//*[local-name()='NOTAM']/*[local-name()='issued']"),
		airport: value(doc, "//*[local-name()='NOTAM']/*[local-name()='location']"),
	}, true
}

func value(doc *xmlquery.Node, expr string) string {
	n := xmlquery.FindOne(doc, expr)
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}

// preformatted returns the content of the first <pre> element in markup, or
// the trimmed markup text when it has none.
func preformatted(markup string) string {
	markup = strings.TrimSpace(markup)
	if markup == "" {
		return ""
	}
	if !strings.Contains(strings.ToLower(markup), "<pre") {
		return markup
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	return strings.TrimSpace(doc.Find("pre").First().Text())
}
