package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("BLOCKFLOW_ENV_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_BlankUsesDefault(t *testing.T) {
	t.Setenv("BLOCKFLOW_ENV_STRING_BLANK", "   ")
	got := String("BLOCKFLOW_ENV_STRING_BLANK", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("BLOCKFLOW_ENV_STRING_KEY", " value ")
	got := String("BLOCKFLOW_ENV_STRING_KEY", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestStrings(t *testing.T) {
	t.Setenv("BLOCKFLOW_ENV_STRINGS_KEY", "a, b,,c ")
	got := Strings("BLOCKFLOW_ENV_STRINGS_KEY", nil)
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Strings()=%v, want %v", got, want)
	}

	def := []string{"x"}
	t.Setenv("BLOCKFLOW_ENV_STRINGS_EMPTY", " , ")
	if got := Strings("BLOCKFLOW_ENV_STRINGS_EMPTY", def); !reflect.DeepEqual(got, def) {
		t.Fatalf("Strings()=%v, want default %v", got, def)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("BLOCKFLOW_ENV_DURATION_DOES_NOT_EXIST", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("Duration()=%v, want 5s", got)
	}

	t.Setenv("BLOCKFLOW_ENV_DURATION_KEY", "250ms")
	got, err = Duration("BLOCKFLOW_ENV_DURATION_KEY", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}

	t.Setenv("BLOCKFLOW_ENV_DURATION_INVALID", "not-a-duration")
	if _, err := Duration("BLOCKFLOW_ENV_DURATION_INVALID", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool(t *testing.T) {
	t.Setenv("BLOCKFLOW_ENV_BOOL_KEY", "false")
	got, err := Bool("BLOCKFLOW_ENV_BOOL_KEY", true)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if got {
		t.Fatalf("Bool()=%v, want false", got)
	}

	t.Setenv("BLOCKFLOW_ENV_BOOL_INVALID", "nope")
	if _, err := Bool("BLOCKFLOW_ENV_BOOL_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt(t *testing.T) {
	got, err := Int("BLOCKFLOW_ENV_INT_DOES_NOT_EXIST", 42)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 42 {
		t.Fatalf("Int()=%v, want 42", got)
	}

	t.Setenv("BLOCKFLOW_ENV_INT_KEY", "7")
	got, err = Int("BLOCKFLOW_ENV_INT_KEY", 42)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 7 {
		t.Fatalf("Int()=%v, want 7", got)
	}

	t.Setenv("BLOCKFLOW_ENV_INT_INVALID", "nope")
	if _, err := Int("BLOCKFLOW_ENV_INT_INVALID", 42); err == nil {
		t.Fatalf("Int() expected error")
	}
}
