package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestReadSecrets(t *testing.T) {
	in := "user1:pass1\n\n  user2:pass2  \r\n\t\nuser3:pass3"
	got, err := readSecrets(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"user1:pass1", "user2:pass2", "user3:pass3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStockAdd_RejectsEmptyInput(t *testing.T) {
	cmd := stockCmd()
	cmd.SetArgs([]string{"add", "NETFLIX-1M"})
	cmd.SetIn(strings.NewReader("\n \n"))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "no units") {
		t.Fatalf("err = %v", err)
	}
}
