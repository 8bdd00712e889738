package app

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"reliefhub/api/internal/store"
)

var exportHeader = []string{
	"id", "createdAt", "status", "urgency", "category",
	"requesterName", "phone", "locationText", "region", "lat", "lon",
	"peopleAffected", "requiredCapabilities", "description",
}

// writeRequestsCSV writes one row per request under exportHeader.
func writeRequestsCSV(w io.Writer, requests []store.Request) error {
	out := csv.NewWriter(w)
	if err := out.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range requests {
		lat, lon := "", ""
		if r.Location != nil {
			lat = strconv.FormatFloat(r.Location.Lat, 'f', 6, 64)
			lon = strconv.FormatFloat(r.Location.Lon, 'f', 6, 64)
		}
		row := []string{
			r.ID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			string(r.Status),
			r.Urgency.String(),
			string(r.Category),
			r.RequesterName,
			r.Phone,
			r.LocationText,
			r.Region,
			lat,
			lon,
			strconv.Itoa(r.PeopleAffected),
			strings.Join(r.RequiredCapabilities, ";"),
			r.Description,
		}
		if err := out.Write(row); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}
