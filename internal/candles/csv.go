package candles

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/service"
)

// ReadCSV 读取历史 K 线：timestamp,open,high,low,close,volume。
// timestamp 可以是毫秒时间戳或 RFC3339；首行不是数据时视为表头跳过
func ReadCSV(r io.Reader) ([]model.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var out []model.Candle
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		c, err := parseRecord(record)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, c)
	}
}

func parseRecord(record []string) (model.Candle, error) {
	ts, err := parseTimestamp(record[0])
	if err != nil {
		return model.Candle{}, err
	}
	var c model.Candle
	c.Timestamp = ts
	if c.Open, err = service.StringToDecimal(record[1]); err != nil {
		return model.Candle{}, fmt.Errorf("open: %w", err)
	}
	if c.High, err = service.StringToDecimal(record[2]); err != nil {
		return model.Candle{}, fmt.Errorf("high: %w", err)
	}
	if c.Low, err = service.StringToDecimal(record[3]); err != nil {
		return model.Candle{}, fmt.Errorf("low: %w", err)
	}
	if c.Close, err = service.StringToDecimal(record[4]); err != nil {
		return model.Candle{}, fmt.Errorf("close: %w", err)
	}
	if c.Volume, err = service.StringToDecimal(record[5]); err != nil {
		return model.Candle{}, fmt.Errorf("volume: %w", err)
	}
	return c, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := service.StringToInt64(s); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
