package main

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var (
	summaryCSVHeader    = []string{"user", "dse_name", "dse_phone", "bucket", "first", "last", "pings", "distance_km"}
	attendanceCSVHeader = []string{"user", "dse_name", "dse_phone", "date", "present", "first", "last", "pings", "distance_km"}
)

func csvTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func csvKm(km float64) string {
	return strconv.FormatFloat(km, 'f', 3, 64)
}

// WriteSummaryCSV writes summary rows with a header line
func WriteSummaryCSV(w io.Writer, rows []SummaryRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryCSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.OwnerID,
			r.Name,
			r.Phone,
			r.Key,
			csvTime(r.First),
			csvTime(r.Last),
			strconv.Itoa(r.Pings),
			csvKm(r.DistanceKm),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAttendanceCSV writes attendance rows with a header line
func WriteAttendanceCSV(w io.Writer, rows []AttendanceRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(attendanceCSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		present := "no"
		if r.Present {
			present = "yes"
		}
		record := []string{
			r.OwnerID,
			r.Name,
			r.Phone,
			r.Date,
			present,
			csvTime(r.First),
			csvTime(r.Last),
			strconv.Itoa(r.Pings),
			csvKm(r.DistanceKm),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
