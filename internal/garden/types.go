package garden

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Unit string

const (
	Feet   Unit = "ft"
	Meters Unit = "m"
)

// Object is a placeable item in a garden layout (a raised bed, a pot, ...)
type Object struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Rotation  float64 `json:"rotation"`
	Kind      string  `json:"kind"`
	Plantable bool    `json:"plantable"`
}

// Patch is a partial Object. Only ID is required; nil fields are left untouched.
type Patch struct {
	ID        string   `json:"id"`
	Name      *string  `json:"name,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Width     *float64 `json:"width,omitempty"`
	Height    *float64 `json:"height,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
	Kind      *string  `json:"kind,omitempty"`
	Plantable *bool    `json:"plantable,omitempty"`
}

type Garden struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Unit    Unit     `json:"unit"`
	Objects []Object `json:"objects"`
	// Version is the server's last committed event version.
	Version int64 `json:"version"`
}

type EventType string

const (
	Upsert EventType = "upsert"
	Delete EventType = "delete"
)

// Event is a single entry of the garden event log.
type Event struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	EventType EventType `json:"eventType"`
	Payload   Patch     `json:"payload"`
}

// PatchOf returns a patch that sets every field of o.
func PatchOf(o Object) Patch {
	return Patch{
		ID:        o.ID,
		Name:      &o.Name,
		X:         &o.X,
		Y:         &o.Y,
		Width:     &o.Width,
		Height:    &o.Height,
		Rotation:  &o.Rotation,
		Kind:      &o.Kind,
		Plantable: &o.Plantable,
	}
}

// Clone returns a copy of p that shares no pointers with it.
func (p Patch) Clone() Patch {
	out := Patch{ID: p.ID}
	out.Name = clonePtr(p.Name)
	out.X = clonePtr(p.X)
	out.Y = clonePtr(p.Y)
	out.Width = clonePtr(p.Width)
	out.Height = clonePtr(p.Height)
	out.Rotation = clonePtr(p.Rotation)
	out.Kind = clonePtr(p.Kind)
	out.Plantable = clonePtr(p.Plantable)
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	e.Payload = e.Payload.Clone()
	return e
}

// Clone returns a deep copy of g.
func (g *Garden) Clone() *Garden {
	if g == nil {
		return nil
	}
	out := *g
	out.Objects = append([]Object(nil), g.Objects...)
	return &out
}

// Find returns the object with the given id.
func Find(objects []Object, id string) (Object, bool) {
	for _, o := range objects {
		if o.ID == id {
			return o, true
		}
	}
	return Object{}, false
}
