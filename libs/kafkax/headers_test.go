package kafkax

import (
	"reflect"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	want := []string{"kafka-1:9092", "kafka-2:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if SplitBrokers("  ") != nil {
		t.Fatal("expected nil for blank broker list")
	}
}

func TestSetHeader_OverwritesExisting(t *testing.T) {
	headers := []kafka.Header{{Key: "traceparent", Value: []byte("old")}}
	headers = SetHeader(headers, "traceparent", "new")
	headers = SetHeader(headers, "reason", "why")

	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(headers))
	}
	if HeaderValue(headers, "traceparent") != "new" {
		t.Fatalf("expected overwrite, got %s", HeaderValue(headers, "traceparent"))
	}
	if HeaderValue(headers, "reason") != "why" {
		t.Fatalf("expected appended header, got %s", HeaderValue(headers, "reason"))
	}
	if HeaderValue(headers, "absent") != "" {
		t.Fatal("expected empty value for absent key")
	}
}
