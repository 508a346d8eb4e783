package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

type Album struct {
	Title string `json:"title"`
	Year  int    `json:"year"`
}

var metallicaAlbums = []Album{
	{Title: "Kill 'Em All", Year: 1983},
	{Title: "Ride the Lightning", Year: 1984},
	{Title: "Master of Puppets", Year: 1986},
	{Title: "...And Justice for All", Year: 1988},
	{Title: "Metallica", Year: 1991},
	{Title: "Load", Year: 1996},
	{Title: "Reload", Year: 1997},
	{Title: "St. Anger", Year: 2003},
	{Title: "Death Magnetic", Year: 2008},
	{Title: "Hardwired... to Self-Destruct", Year: 2016},
	{Title: "72 Seasons", Year: 2023},
}

type metallicaArgs struct {
	Limit *int `json:"limit"`
}

// MetallicaAlbums describes the demo getMetallicaAlbums tool.
func MetallicaAlbums() Descriptor {
	minLimit := 1.0
	maxLimit := float64(len(metallicaAlbums))
	return Descriptor{
		Name:        "getMetallicaAlbums",
		Description: "Returns Metallica studio albums in release order.",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"limit": {
					Type:        "integer",
					Description: "Maximum number of albums to return.",
					Minimum:     &minLimit,
					Maximum:     &maxLimit,
				},
			},
		},
		Execute: getMetallicaAlbums,
	}
}

func getMetallicaAlbums(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args metallicaArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	n := len(metallicaAlbums)
	if args.Limit != nil && *args.Limit < n {
		n = *args.Limit
	}
	return json.Marshal(struct {
		Albums []Album `json:"albums"`
	}{Albums: metallicaAlbums[:n]})
}

// Builtin returns a registry preloaded with the bundled tools.
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister(MetallicaAlbums())
	return r
}
