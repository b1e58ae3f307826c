package chat

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestFormatHistory(t *testing.T) {
	messages := []Message{
		{Type: MessageSystem, Content: "New dataset added: hydrants"},
		{Type: MessageUser, Content: "show me cast iron pipe"},
		{Type: MessageAssistant, Content: "I've highlighted 3 features."},
	}
	want := "New dataset added: hydrants\n\nUser: show me cast iron pipe\n\nAssistant: I've highlighted 3 features.\n\n"
	if got := FormatHistory(messages); got != want {
		t.Fatalf("FormatHistory() = %q, want %q", got, want)
	}
	if again := FormatHistory(messages); again != want {
		t.Fatal("FormatHistory() is not stable across calls")
	}
}

func TestFormatHistoryEmpty(t *testing.T) {
	if got := FormatHistory(nil); got != "" {
		t.Fatalf("FormatHistory(nil) = %q", got)
	}
}

func TestAppendMessageInputValidate(t *testing.T) {
	valid := AppendMessageInput{SessionID: "s1", Type: MessageUser, Content: "hi"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, in := range []AppendMessageInput{
		{Type: MessageUser, Content: "hi"},
		{SessionID: "s1", Type: "tool", Content: "hi"},
		{SessionID: "s1", Type: MessageAssistant},
	} {
		if err := in.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Validate(%+v) error = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestMetadataUnmarshalKeepsIntegerIDs(t *testing.T) {
	var got Metadata
	if err := json.Unmarshal([]byte(`{"filter_ids":[7,2.5,"a-1"],"is_show_query":true}`), &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	want := Metadata{FilterIDs: []any{int64(7), 2.5, "a-1"}, IsShowQuery: true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Metadata = %#v, want %#v", got, want)
	}
}
