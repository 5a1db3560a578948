// cmd/barload imports OHLCV bars from a CSV file into the sqlite bar store
// so replayd has history to serve.
//
// CSV columns: timestamp_ms,open,high,low,close,volume (header optional).
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log"
	"os"
	"strconv"

	"candle-replay/internal/model"
	"candle-replay/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/bars.db", "sqlite database path")
	symbol := flag.String("symbol", "", "bar symbol (required)")
	timeframe := flag.String("timeframe", "", "bar timeframe, e.g. 1m (required)")
	datasetID := flag.String("dataset", "", "optional dataset id")
	csvPath := flag.String("csv", "", "CSV file to import (required)")
	flag.Parse()

	if *symbol == "" || *timeframe == "" || *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Fatalf("[barload] open csv: %v", err)
	}
	defer f.Close()

	bars, skipped, err := parseBars(f, *symbol, *timeframe, *datasetID)
	if err != nil {
		log.Fatalf("[barload] parse csv: %v", err)
	}

	st, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("[barload] open store: %v", err)
	}
	defer st.Close()

	if err := st.InsertBars(context.Background(), bars); err != nil {
		log.Fatalf("[barload] insert: %v", err)
	}
	log.Printf("[barload] imported %d bars (%d rows skipped) into %s", len(bars), skipped, *dbPath)
}

func parseBars(r io.Reader, symbol, timeframe, datasetID string) ([]model.Bar, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6

	var bars []model.Bar
	skipped := 0
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}

		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			// Header row or junk line.
			skipped++
			continue
		}
		vals := make([]float64, 5)
		ok := true
		for i := 0; i < 5; i++ {
			vals[i], err = strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				log.Printf("[barload] line %d: bad field %q, skipping", line, rec[i+1])
				ok = false
				break
			}
		}
		if !ok {
			skipped++
			continue
		}

		bars = append(bars, model.Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			DatasetID: datasetID,
			Timestamp: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return bars, skipped, nil
}
