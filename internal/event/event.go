// Package event classifies inbound relay events. Raw transport input is
// parsed once here into one of a closed set of variants.
package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/amurg-ai/askrelay/pkg/protocol"
)

// ErrMalformedRequest is returned for asks whose body is unusable.
var ErrMalformedRequest = errors.New("malformed request")

// Event is one of Connect, Disconnect, Ask, Malformed or Unknown.
type Event interface {
	ConnID() string
	event()
}

// Connect is emitted when a connection opens.
type Connect struct{ ConnectionID string }

// Disconnect is emitted when a connection closes.
type Disconnect struct{ ConnectionID string }

// Ask carries an authenticated prompt request.
type Ask struct {
	ConnectionID string
	Token        string
	Prompt       string
}

// Malformed is an ask whose body could not be used.
type Malformed struct {
	ConnectionID string
	Route        string
	Err          error
}

// Unknown is any other route.
type Unknown struct {
	ConnectionID string
	Route        string
}

func (e Connect) ConnID() string    { return e.ConnectionID }
func (e Disconnect) ConnID() string { return e.ConnectionID }
func (e Ask) ConnID() string        { return e.ConnectionID }
func (e Malformed) ConnID() string  { return e.ConnectionID }
func (e Unknown) ConnID() string    { return e.ConnectionID }

func (Connect) event()    {}
func (Disconnect) event() {}
func (Ask) event()        {}
func (Malformed) event()  {}
func (Unknown) event()    {}

// Route returns the route key an event was classified under.
func Route(ev Event) string {
	switch e := ev.(type) {
	case Connect:
		return protocol.RouteConnect
	case Disconnect:
		return protocol.RouteDisconnect
	case Ask:
		return protocol.RouteAsk
	case Malformed:
		return e.Route
	case Unknown:
		return e.Route
	default:
		return ""
	}
}

// Parse reads an API-gateway style invocation:
//
//	{"requestContext": {"connectionId": "...", "routeKey": "..."}, "body": "..."}
//
// body may be a JSON-encoded string or an inline object. An error is returned
// only when the envelope itself is unusable; a bad ask body yields Malformed.
func Parse(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: event is not valid JSON", ErrMalformedRequest)
	}
	res := gjson.GetManyBytes(raw, "requestContext.connectionId", "requestContext.routeKey", "body")
	connID := res[0].String()
	if connID == "" {
		return nil, fmt.Errorf("%w: missing requestContext.connectionId", ErrMalformedRequest)
	}

	var body []byte
	switch b := res[2]; b.Type {
	case gjson.String:
		body = []byte(b.String())
	case gjson.JSON:
		body = []byte(b.Raw)
	}
	return FromRoute(connID, res[1].String(), body), nil
}

// FromRoute classifies a message already associated with a connection and
// route key.
func FromRoute(connID, route string, body []byte) Event {
	switch route {
	case protocol.RouteConnect:
		return Connect{ConnectionID: connID}
	case protocol.RouteDisconnect:
		return Disconnect{ConnectionID: connID}
	case protocol.RouteAsk:
		ask, err := parseAsk(connID, body)
		if err != nil {
			return Malformed{ConnectionID: connID, Route: route, Err: err}
		}
		return ask
	default:
		return Unknown{ConnectionID: connID, Route: route}
	}
}

// RouteOf selects a route from a client message's "action" field, falling
// back to $default when there is none.
func RouteOf(body []byte) string {
	if !gjson.ValidBytes(body) {
		return protocol.RouteDefault
	}
	action := gjson.GetBytes(body, "action")
	if action.Type != gjson.String || strings.TrimSpace(action.String()) == "" {
		return protocol.RouteDefault
	}
	return action.String()
}

func parseAsk(connID string, body []byte) (Ask, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Ask{}, fmt.Errorf("%w: body is not valid JSON", ErrMalformedRequest)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Ask{}, fmt.Errorf("%w: body is not an object", ErrMalformedRequest)
	}
	token := root.Get("token")
	if token.Type != gjson.String || token.String() == "" {
		return Ask{}, fmt.Errorf("%w: missing token", ErrMalformedRequest)
	}
	data := root.Get("data")
	if data.Type != gjson.String || data.String() == "" {
		return Ask{}, fmt.Errorf("%w: missing data", ErrMalformedRequest)
	}
	return Ask{ConnectionID: connID, Token: token.String(), Prompt: data.String()}, nil
}
