package schedule

import (
	"testing"
	"time"
)

func TestShortTeacherName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		full string
		want string
	}{
		{name: "three parts", full: "Иванов Иван Иванович", want: "Иванов И.И."},
		{name: "two parts", full: "Иванов Иван", want: "Иванов И."},
		{name: "single part", full: "Иванов", want: "Иванов"},
		{name: "padded", full: "  Петров Пётр Петрович  ", want: "Петров П.П."},
		{name: "empty", full: "", want: UnspecifiedTeacher},
		{name: "sentinel", full: UnspecifiedTeacher, want: UnspecifiedTeacher},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ShortTeacherName(tt.full); got != tt.want {
				t.Fatalf("ShortTeacherName(%q) = %q, want %q", tt.full, got, tt.want)
			}
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	a := Lesson{GroupID: 1, TimeSlotID: 2, SubjectID: 3, TeacherID: 4, ClassroomID: 5, Subgroup: "0"}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical lessons must share a fingerprint")
	}

	b.Subgroup = "1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("subgroup change must change the fingerprint")
	}

	c := a
	c.TimeSlotID = 99
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("timeslot change must change the fingerprint")
	}
}

func TestEntrySentinel(t *testing.T) {
	t.Parallel()
	if !(Entry{GroupID: 7}).Sentinel() {
		t.Fatal("dateless entry must be the sentinel")
	}
	if (Entry{GroupID: 7, Date: time.Now()}).Sentinel() {
		t.Fatal("dated entry must not be the sentinel")
	}
}

func TestDay(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 9, 1, 15, 4, 5, 123, time.UTC)
	d := Day(ts)
	if d.Hour() != 0 || d.Minute() != 0 || d.Second() != 0 || d.Nanosecond() != 0 {
		t.Fatalf("Day() did not truncate: %v", d)
	}
	if !d.Equal(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date: %v", d)
	}
}
