package source

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Spec is the closed set of per-kind inputs for creating a source.
// Exactly three implementations exist: URLSpec, TextSpec, DocumentSpec.
type Spec interface {
	Kind() Kind
	Validate() error

	sealed()
}

// URLSpec creates a url source: the page is fetched and extracted by the
// pipeline.
type URLSpec struct {
	URL string

	// Title overrides the extracted page title when non-empty.
	Title string

	// ExtractLinks enables discovery of linked documents on the page.
	ExtractLinks bool
}

func (URLSpec) Kind() Kind { return KindURL }
func (URLSpec) sealed()    {}

func (s URLSpec) Validate() error {
	return validateHTTPURL(s.URL)
}

// TextSpec creates a text source from caller-supplied content. No
// extraction happens; the content goes straight to chunking.
type TextSpec struct {
	Title   string
	Content string
}

func (TextSpec) Kind() Kind { return KindText }
func (TextSpec) sealed()    {}

func (s TextSpec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: text source requires a title", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("%w: text source requires content", ErrInvalidSpec)
	}
	return nil
}

// DocumentSpec creates a document source for a file discovered on a
// parent url source.
type DocumentSpec struct {
	URL      string
	Title    string
	ParentID uuid.UUID
}

func (DocumentSpec) Kind() Kind { return KindDocument }
func (DocumentSpec) sealed()    {}

func (s DocumentSpec) Validate() error {
	if err := validateHTTPURL(s.URL); err != nil {
		return err
	}
	if s.ParentID == uuid.Nil {
		return fmt.Errorf("%w: document source requires a parent", ErrInvalidSpec)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must be http or https, got %q", ErrInvalidSpec, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url missing host: %q", ErrInvalidSpec, raw)
	}
	return nil
}
