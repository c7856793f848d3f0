package parse

import (
	"testing"
	"time"

	"schedsync/internal/schedule"
	"schedsync/pkg/logx"
)

func row(cells ...string) string {
	s := `<tr class="shadow">`
	for _, c := range cells {
		s += "<td>" + c + "</td>"
	}
	return s + "</tr>"
}

func section(header string) string {
	return `<tr class="shadow"><td colspan="5">` + header + `</td></tr>`
}

func doc(rows ...string) []byte {
	s := "<html><body><table>"
	for _, r := range rows {
		s += r
	}
	return []byte(s + "</table></body></html>")
}

func TestParseSingleRow(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	entries, err := p.Parse(42, doc(
		section("01.09.2024 - Воскресенье"),
		row("1", "Математика", "201", "Иванов Иван Иванович", "0"),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	e := entries[0]
	want := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	if !e.Date.Equal(want) {
		t.Fatalf("Date = %v, want %v", e.Date, want)
	}
	if e.GroupID != 42 || e.LessonNumber != "1" || e.Subject != "Математика" ||
		e.Classroom != "201" || e.Teacher != "Иванов Иван Иванович" || e.Subgroup != "0" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestParseEmptyCellsGetSentinels(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	entries, err := p.Parse(1, doc(
		section("02.09.2024 - Понедельник"),
		row("2", "", "", "", ""),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Subject != schedule.UnspecifiedSubject {
		t.Fatalf("Subject = %q", e.Subject)
	}
	if e.Classroom != schedule.RemoteClassroom {
		t.Fatalf("Classroom = %q", e.Classroom)
	}
	if e.Teacher != schedule.UnspecifiedTeacher {
		t.Fatalf("Teacher = %q", e.Teacher)
	}
	if e.Subgroup != schedule.DefaultSubgroup {
		t.Fatalf("Subgroup = %q", e.Subgroup)
	}
}

func TestParseBadSectionDateDropsFollowingRows(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	entries, err := p.Parse(1, doc(
		section("не дата - Понедельник"),
		row("1", "Потерянная", "101", "Кто-то", "0"),
		section("03.09.2024 - Вторник"),
		row("2", "Физика", "102", "Сидоров Пётр", "1"),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (rows after a bad section must drop)", len(entries))
	}
	if entries[0].Subject != "Физика" {
		t.Fatalf("surviving entry = %+v", entries[0])
	}
	if !entries[0].Date.Equal(time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("entry carries wrong date: %v", entries[0].Date)
	}
}

func TestParseRowBeforeAnySectionDropped(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	entries, err := p.Parse(1, doc(
		row("1", "Химия", "301", "Лаборант", "0"),
		section("04.09.2024 - Среда"),
		row("2", "История", "302", "Архивист", "0"),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "История" {
		t.Fatalf("rows preceding the first section must drop, got %+v", entries)
	}
}

func TestParseWrongCellCountDroppedWithoutLeavingSection(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	entries, err := p.Parse(1, doc(
		section("05.09.2024 - Четверг"),
		row("1", "Урезанная", "401"), // 3 cells: dropped
		row("2", "Полная", "402", "Преподаватель", "0"),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "Полная" {
		t.Fatalf("got %+v, want only the 5-cell row", entries)
	}
}

func TestParseEmptyDocumentYieldsSentinel(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	tests := []struct {
		name string
		doc  []byte
	}{
		{name: "no table", doc: []byte("<html><body></body></html>")},
		{name: "only bad section", doc: doc(section("мусор"))},
		{name: "only short rows", doc: doc(section("06.09.2024 - Пятница"), row("1", "x"))},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			entries, err := p.Parse(9, tt.doc)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want the single sentinel", len(entries))
			}
			if !entries[0].Sentinel() || entries[0].GroupID != 9 {
				t.Fatalf("unexpected sentinel: %+v", entries[0])
			}
		})
	}
}

func TestParseMultipleSections(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())

	entries, err := p.Parse(1, doc(
		section("02.09.2024 - Понедельник"),
		row("1", "А", "1", "Первый", "0"),
		row("2", "Б", "2", "Второй", "0"),
		section("03.09.2024 - Вторник"),
		row("1", "В", "3", "Третий", "0"),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	mon := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	tue := time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)
	if !entries[0].Date.Equal(mon) || !entries[1].Date.Equal(mon) || !entries[2].Date.Equal(tue) {
		t.Fatalf("entries attributed to wrong sections: %+v", entries)
	}
}
