// Package catalog holds the list of books offered for download.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ErrBookNotFound is returned when no book has the requested id.
var ErrBookNotFound = errors.New("book not found")

// Book describes one downloadable book.
type Book struct {
	ID          int64   `yaml:"id"`
	Title       string  `yaml:"title"`
	Author      string  `yaml:"author"`
	Genre       string  `yaml:"genre"`
	Description string  `yaml:"description"`
	Cover       string  `yaml:"cover"`
	File        string  `yaml:"file"`
	Rating      float64 `yaml:"rating"`
	Downloads   int64   `yaml:"downloads"`
	FileSize    string  `yaml:"file_size"`
	Pages       int     `yaml:"pages"`
	PublishYear int     `yaml:"publish_year"`
}

// Catalog is an ordered collection of books. Download counts are changed only
// through SetDownloads. It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	books []Book
	index map[int64]int
}

type catalogFile struct {
	Books []Book `yaml:"books"`
}

// New builds a Catalog from books after validating them.
// All validation problems are reported together.
func New(books []Book) (*Catalog, error) {
	var result *multierror.Error
	index := make(map[int64]int, len(books))
	for i, b := range books {
		if err := b.validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("book #%d: %w", i+1, err))
		}
		if _, dup := index[b.ID]; dup {
			result = multierror.Append(result, fmt.Errorf("book #%d: duplicate id %d", i+1, b.ID))
			continue
		}
		index[b.ID] = i
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Catalog{books: append([]Book(nil), books...), index: index}, nil
}

func (b Book) validate() error {
	var result *multierror.Error
	if b.ID <= 0 {
		result = multierror.Append(result, fmt.Errorf("id must be positive, got %d", b.ID))
	}
	if strings.TrimSpace(b.Title) == "" {
		result = multierror.Append(result, errors.New("title is required"))
	}
	if strings.TrimSpace(b.File) == "" {
		result = multierror.Append(result, errors.New("file is required"))
	}
	if b.Rating < 0 || b.Rating > 5 {
		result = multierror.Append(result, fmt.Errorf("rating must be between 0 and 5, got %v", b.Rating))
	}
	if b.Downloads < 0 {
		result = multierror.Append(result, fmt.Errorf("downloads cannot be negative, got %d", b.Downloads))
	}
	if b.Pages < 0 {
		result = multierror.Append(result, fmt.Errorf("pages cannot be negative, got %d", b.Pages))
	}
	return result.ErrorOrNil()
}

// Load reads a YAML catalog of the form "books: [...]".
func Load(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return New(nil)
		}
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return New(f.Books)
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer file.Close()
	c, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Len returns the number of books.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.books)
}

// Books returns a copy of all books in catalog order.
func (c *Catalog) Books() []Book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Book(nil), c.books...)
}

// Get returns the book with the given id.
func (c *Catalog) Get(id int64) (Book, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return Book{}, fmt.Errorf("id %d: %w", id, ErrBookNotFound)
	}
	return c.books[i], nil
}

// SetDownloads records the download count resolved for book id.
func (c *Catalog) SetDownloads(id int64, downloads int64) error {
	if downloads < 0 {
		return fmt.Errorf("id %d: negative download count %d", id, downloads)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("id %d: %w", id, ErrBookNotFound)
	}
	c.books[i].Downloads = downloads
	return nil
}

// TotalDownloads returns the sum of the download counts of all books.
func (c *Catalog) TotalDownloads() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, b := range c.books {
		total += b.Downloads
	}
	return total
}
