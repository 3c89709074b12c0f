package metrics

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTrades(string, string, int) {}
func (Nop) RecordRejected(string)            {}
func (Nop) RecordCandle(string)              {}
func (Nop) RecordFlush(string, int, float64) {}
func (Nop) RecordPending(int)                {}
func (Nop) RecordState(string)               {}
func (Nop) RecordError(string)               {}
func (Nop) RecordLastPrice(string, float64)  {}
func (Nop) RecordLatency(string, float64)    {}
