package types

import (
	"encoding/json"
	"testing"
)

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "bob", want: "bob"},
		{in: "Bob", want: "bob"},
		{in: "@Vladogno", want: "vladogno"},
		{in: "  @ALICE ", want: "alice"},
		{in: "", want: ""},
		{in: "@@double", want: "@double"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeUsername(tt.in); got != tt.want {
				t.Errorf("NormalizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChatIDUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ChatID
		wantErr bool
	}{
		{name: "string", input: `"C024BE91L"`, want: "C024BE91L"},
		{name: "integer", input: `903631368`, want: "903631368"},
		{name: "negative group id", input: `-1001234567890`, want: "-1001234567890"},
		{name: "null", input: `null`, want: ""},
		{name: "float rejected", input: `1.5`, wantErr: true},
		{name: "bool rejected", input: `true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ChatID
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal %s: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatIDMarshalsAsString(t *testing.T) {
	data, err := json.Marshal(RelayLink{Username: "bob", DisplayName: "Bob", ChatID: "42"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"username":"bob","display_name":"Bob","chat_id":"42"}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestIdentityName(t *testing.T) {
	if got := (Identity{Username: "bob"}).Name(); got != "bob" {
		t.Errorf("Name() = %q, want bob", got)
	}
	if got := (Identity{Username: "bob", DisplayName: "Bobby"}).Name(); got != "Bobby" {
		t.Errorf("Name() = %q, want Bobby", got)
	}
}

func TestCollectionValid(t *testing.T) {
	for _, c := range AllCollections {
		if !c.Valid() {
			t.Errorf("%s should be valid", c)
		}
	}
	if Collection("enlaces").Valid() {
		t.Error("unknown collection reported valid")
	}
}
