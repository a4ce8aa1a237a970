package models

import (
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm/schema"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestMeme_Fields(t *testing.T) {
	typ := reflect.TypeOf(Meme{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "Spoiler", "default:false")
	assertGormTag(t, typ, "Text", "type:text")
	assertGormTag(t, typ, "Timestamp", "index")
	assertGormTag(t, typ, "Account", "size:255")
	assertGormTag(t, typ, "Channel", "index")
	assertGormTag(t, typ, "Filename", "not null")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "Spoiler", "bool")
	assertFieldType(t, typ, "Timestamp", "time.Time")
	assertFieldType(t, typ, "SourceMessageID", "*int64")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
	assertFieldType(t, typ, "UpdatedAt", "time.Time")
}

func TestMeme_SourceUniqueIndex(t *testing.T) {
	typ := reflect.TypeOf(Meme{})

	for i, field := range []string{"Platform", "ChatID", "SourceMessageID"} {
		assertGormTag(t, typ, field, "uniqueIndex:ux_memes_source")
		want := "priority:" + string(rune('1'+i))
		assertGormTag(t, typ, field, want)
	}
}

func TestMeme_Schema(t *testing.T) {
	s, err := schema.Parse(&Meme{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	if s.Table != "memes" {
		t.Errorf("table = %q, want memes", s.Table)
	}

	idx := s.LookIndex("ux_memes_source")
	if idx == nil {
		t.Fatal("ux_memes_source index not found")
	}
	if idx.Class != "UNIQUE" {
		t.Errorf("index class = %q, want UNIQUE", idx.Class)
	}
	var cols []string
	for _, f := range idx.Fields {
		cols = append(cols, f.DBName)
	}
	if got := strings.Join(cols, ","); got != "platform,chat_id,source_message_id" {
		t.Errorf("index columns = %s", got)
	}
}

func TestMeme_Instantiation(t *testing.T) {
	id := int64(42)
	now := time.Now()
	m := Meme{
		Spoiler:         true,
		Text:            "caption",
		Timestamp:       now,
		Account:         "alice",
		Channel:         "memes",
		Platform:        "telegram",
		ChatID:          "-1001",
		SourceMessageID: &id,
		Filename:        "telegram-memes-alice-42.jpg",
	}
	if *m.SourceMessageID != 42 {
		t.Errorf("SourceMessageID = %d, want 42", *m.SourceMessageID)
	}
	if !m.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", m.Timestamp, now)
	}
}
