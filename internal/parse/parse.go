// Package parse turns a raw schedule document into candidate lesson entries.
//
// The upstream page is an HTML table whose rows are either section rows
// ("DD.MM.YYYY - <weekday>", marked by a colspan cell) or data rows with
// exactly five cells. Parsing is an explicit two-state machine: rows are
// only attributed to a date while the parser is inside a section whose
// header parsed successfully.
package parse

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"schedsync/internal/schedule"
	"schedsync/pkg/logx"
)

// rowClass marks schedule rows in the upstream markup.
const rowClass = "shadow"

// dataCells is the exact cell count of a well-formed data row:
// lesson number, subject, classroom, teacher, subgroup.
const dataCells = 5

const sectionSeparator = " - "

type state int

const (
	stateNoSection state = iota
	stateInSection
)

type Parser struct {
	log logx.Logger
}

func New(log logx.Logger) *Parser {
	return &Parser{log: log}
}

// Parse extracts lesson entries for one group from a raw document.
//
// A document that parses but yields no entries produces a single sentinel
// entry carrying only the group ID: "schedule reachable and empty" is a
// meaningful observation for the reconciler, distinct from a failed fetch.
func (p *Parser) Parse(groupID int64, doc []byte) ([]schedule.Entry, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schedule document: %w", err)
	}

	var (
		entries []schedule.Entry
		st      = stateNoSection
		date    time.Time
	)

	for _, row := range findRows(root) {
		if cell := findColspanCell(row); cell != nil {
			// Section row: a successful date parse opens a new section,
			// a failed one drops everything until the next section row.
			d, err := parseSectionDate(nodeText(row))
			if err != nil {
				p.log.Warn("unparsable section date; dropping rows until next section",
					logx.Int64("group_id", groupID), logx.Err(err))
				st = stateNoSection
				continue
			}
			st = stateInSection
			date = d
			continue
		}

		if st != stateInSection {
			continue
		}

		cells := cellTexts(row)
		if len(cells) != dataCells {
			// Malformed data row. Dropping it does not leave the section.
			p.log.Debug("dropping row with unexpected cell count",
				logx.Int64("group_id", groupID), logx.Int("cells", len(cells)))
			continue
		}

		entries = append(entries, schedule.Entry{
			GroupID:      groupID,
			Date:         date,
			LessonNumber: cells[0],
			Subject:      orDefault(cells[1], schedule.UnspecifiedSubject),
			Classroom:    orDefault(cells[2], schedule.RemoteClassroom),
			Teacher:      orDefault(cells[3], schedule.UnspecifiedTeacher),
			Subgroup:     orDefault(cells[4], schedule.DefaultSubgroup),
		})
	}

	p.log.Debug("parsed schedule", logx.Int64("group_id", groupID), logx.Int("entries", len(entries)))

	if len(entries) == 0 {
		entries = append(entries, schedule.Entry{GroupID: groupID})
	}
	return entries, nil
}

// parseSectionDate extracts the date from a section header such as
// "02.09.2024 - Понедельник".
func parseSectionDate(text string) (time.Time, error) {
	raw, _, _ := strings.Cut(strings.TrimSpace(text), sectionSeparator)
	d, err := time.Parse(schedule.DateFormat, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("section date %q: %w", raw, err)
	}
	return d, nil
}

// findRows collects schedule table rows in document order.
func findRows(root *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" && hasClass(n, rowClass) {
			rows = append(rows, n)
			// Tables are not nested in this document; no need to descend.
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return rows
}

// findColspanCell returns the first descendant carrying a colspan attribute.
// Its presence is what distinguishes a section row from a data row.
func findColspanCell(row *html.Node) *html.Node {
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n != row {
			for _, a := range n.Attr {
				if strings.EqualFold(a.Key, "colspan") {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(row)
	return found
}

// cellTexts returns the trimmed text of each direct td child.
func cellTexts(row *html.Node) []string {
	var cells []string
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, strings.TrimSpace(nodeText(c)))
		}
	}
	return cells
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, f := range strings.Fields(a.Val) {
			if f == class {
				return true
			}
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
