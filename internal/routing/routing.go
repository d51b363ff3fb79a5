// Package routing maps HL7 message types to bus topics and fallback folders.
package routing

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category names both the bus topic pair and the fallback folder pair.
type Category string

const (
	CategoryADT   Category = "ADT"
	CategoryORU   Category = "ORU"
	CategoryError Category = "ERROR"
)

// MaxCategories bounds the routable categories (ERROR not included).
const MaxCategories = 5

// AckSuffix is appended to a data topic to form its acknowledgment topic.
const AckSuffix = "-ACK"

// Categories become fallback folder names, topics become bus subjects.
var (
	categoryPattern = regexp.MustCompile(`^[A-Z0-9]+$`)
	topicPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)
)

// reservedCategories collide with folders the fallback store owns.
var reservedCategories = map[Category]bool{
	"PROCESSED": true,
}

// ValidateCategory rejects names that are not safe as a folder name.
func ValidateCategory(c Category) error {
	if !categoryPattern.MatchString(string(c)) {
		return fmt.Errorf("geçersiz kategori %q (yalnızca A-Z ve 0-9)", c)
	}
	if reservedCategories[c] {
		return fmt.Errorf("%q kategori adı ayrılmış", c)
	}
	return nil
}

func validateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return fmt.Errorf("geçersiz topic %q", topic)
	}
	return nil
}

// Route is the destination of one category.
type Route struct {
	Category  Category
	DataTopic string
	AckTopic  string
}

// NewRoute builds a route with the conventional ack topic.
func NewRoute(category Category, dataTopic string) Route {
	return Route{
		Category:  category,
		DataTopic: dataTopic,
		AckTopic:  dataTopic + AckSuffix,
	}
}

// Default routes: result reports and admission/transfer/discharge events.
var (
	DefaultORU   = NewRoute(CategoryORU, "AIP-34728")
	DefaultADT   = NewRoute(CategoryADT, "AIP-34915")
	DefaultError = NewRoute(CategoryError, "ERROR-QUEUE")
)

// Table is the fixed message-type → route table. It is read-only after
// construction and safe for concurrent use.
type Table struct {
	routes     map[Category]Route
	errorRoute Route
}

// DefaultTable returns the ORU/ADT/ERROR table.
func DefaultTable() *Table {
	t, _ := NewTable()
	return t
}

// NewTable builds the default table extended or overridden by extra routes.
func NewTable(extra ...Route) (*Table, error) {
	t := &Table{
		routes: map[Category]Route{
			CategoryORU: DefaultORU,
			CategoryADT: DefaultADT,
		},
		errorRoute: DefaultError,
	}

	for _, r := range extra {
		if r.Category == CategoryError {
			return nil, fmt.Errorf("ERROR kategorisi yeniden tanımlanamaz")
		}
		if r.Category == "" || r.DataTopic == "" {
			return nil, fmt.Errorf("geçersiz rota: %+v", r)
		}
		if err := ValidateCategory(r.Category); err != nil {
			return nil, err
		}
		if r.AckTopic == "" {
			r.AckTopic = r.DataTopic + AckSuffix
		}
		if err := validateTopic(r.DataTopic); err != nil {
			return nil, err
		}
		if err := validateTopic(r.AckTopic); err != nil {
			return nil, err
		}
		t.routes[r.Category] = r
	}

	if len(t.routes) > MaxCategories {
		return nil, fmt.Errorf("en fazla %d kategori tanımlanabilir, %d verildi", MaxCategories, len(t.routes))
	}
	return t, nil
}

// ParseRoutes parses "TYPE:TOPIC,TYPE:TOPIC" into routes.
func ParseRoutes(spec string) ([]Route, error) {
	var routes []Route
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		typ, topic, ok := strings.Cut(item, ":")
		typ, topic = strings.ToUpper(strings.TrimSpace(typ)), strings.TrimSpace(topic)
		if !ok || typ == "" || topic == "" {
			return nil, fmt.Errorf("geçersiz rota tanımı %q (beklenen TİP:TOPIC)", item)
		}
		if err := ValidateCategory(Category(typ)); err != nil {
			return nil, err
		}
		if err := validateTopic(topic); err != nil {
			return nil, err
		}
		routes = append(routes, NewRoute(Category(typ), topic))
	}
	return routes, nil
}

// Classify returns the route for a message type. Unknown types yield the
// ERROR route and false.
func (t *Table) Classify(messageType string) (Route, bool) {
	r, ok := t.routes[Category(strings.ToUpper(strings.TrimSpace(messageType)))]
	if !ok {
		return t.errorRoute, false
	}
	return r, true
}

// Error returns the route for unroutable and unparseable messages.
func (t *Table) Error() Route {
	return t.errorRoute
}

// Routes returns every route sorted by category, ERROR last.
func (t *Table) Routes() []Route {
	routes := make([]Route, 0, len(t.routes)+1)
	for _, r := range t.routes {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Category < routes[j].Category
	})
	return append(routes, t.errorRoute)
}

// Topics returns all data and ack topics.
func (t *Table) Topics() []string {
	var topics []string
	for _, r := range t.Routes() {
		topics = append(topics, r.DataTopic, r.AckTopic)
	}
	return topics
}
