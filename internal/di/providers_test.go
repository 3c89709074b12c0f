package di

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"CandleFlow/pkg/config"
)

func TestPipelineSymbols(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pipeline.Symbols = []string{"XBT/USD", "btcusd", "ETHUSDT"}

	cfg.Pipeline.Source.Type = config.SourceKraken
	assert.Equal(t, []string{"BTCUSD", "ETHUSDT"}, PipelineSymbols(cfg))

	cfg.Pipeline.Source.Type = config.SourceKrakenHistorical
	assert.Equal(t, []string{"BTCUSD", "ETHUSDT"}, PipelineSymbols(cfg))
	assert.Equal(t, []string{"BTCUSD", "ETHUSDT"}, PipelineOptionsFromConfig(cfg).Symbols)

	cfg.Pipeline.Source.Type = config.SourceBybit
	assert.Equal(t, []string{"XBT/USD", "BTCUSD", "ETHUSDT"}, PipelineSymbols(cfg))
}
