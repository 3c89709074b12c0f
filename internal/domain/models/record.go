package models

// Record is anything the dispatcher can batch towards a sink.
type Record interface {
	RecordKey() string
	EventTimeMs() int64
}

var (
	_ Record = Trade{}
	_ Record = Candle{}
)
