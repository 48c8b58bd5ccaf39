package payment

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// parseEvent extracts the event id, type, and the settled object's id from a
// verified webhook payload. The payload was produced by the processor, but
// parsing still stays allocation-light and tolerant of unknown fields since
// the envelope grows over time.
func parseEvent(payload []byte) (*Event, error) {
	var ev Event

	d := jx.DecodeBytes(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			if err != nil {
				return err
			}
			ev.ID = v
			return nil
		case "type":
			v, err := d.Str()
			if err != nil {
				return err
			}
			ev.Type = v
			return nil
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "object" {
					return d.Skip()
				}
				return d.Obj(func(d *jx.Decoder, key string) error {
					if key != "id" {
						return d.Skip()
					}
					v, err := d.Str()
					if err != nil {
						return err
					}
					ev.SessionID = v
					return nil
				})
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "parse webhook event")
	}

	if ev.Type == "" {
		return nil, errors.New("webhook event missing type")
	}
	return &ev, nil
}
