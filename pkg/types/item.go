package types

// Item is an opaque scraped payload produced by the page callback. The core
// never inspects Fields; it only forwards items on the event stream.
type Item struct {
	Source string
	Fields map[string]any
}
