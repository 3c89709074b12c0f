package util

import (
	"reflect"
	"testing"
)

func TestUpperSymbols(t *testing.T) {
	got := UpperSymbols([]string{" btcusdt", "ETHUSDT", "", "BTCUSDT", "xbt/usd "})
	want := []string{"BTCUSDT", "ETHUSDT", "XBT/USD"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
