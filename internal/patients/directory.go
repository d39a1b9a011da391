package patients

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the format of appointment dates
const DateLayout = "2006-01-02"

// lastVisitOffset is how long before the appointment the previous visit is shown
const lastVisitOffset = 30 * 24 * time.Hour

//go:embed seed.yaml
var seedData []byte

var (
	// ErrNotFound is returned for unknown patient ids
	ErrNotFound = errors.New("patient not found")
	// ErrDuplicate is returned when adding an id that already exists
	ErrDuplicate = errors.New("patient already exists")
)

// Patient is one entry of the directory
type Patient struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Diagnosis string `yaml:"diagnosis" json:"diagnosis"`
	Date      string `yaml:"date" json:"date"`
}

// Validate checks that all fields are present and the date is well formed
func (p Patient) Validate() error {
	var missing []string
	if strings.TrimSpace(p.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(p.Diagnosis) == "" {
		missing = append(missing, "diagnosis")
	}
	if strings.TrimSpace(p.Date) == "" {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if _, err := time.Parse(DateLayout, p.Date); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", p.Date)
	}
	return nil
}

// LastVisit returns the derived date of the previous visit
func (p Patient) LastVisit() (time.Time, error) {
	date, err := time.Parse(DateLayout, p.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", p.Date, err)
	}
	return date.Add(-lastVisitOffset), nil
}

// matches reports a case-insensitive substring match on name, diagnosis or id
func (p Patient) matches(term string) bool {
	return strings.Contains(strings.ToLower(p.Name), term) ||
		strings.Contains(strings.ToLower(p.Diagnosis), term) ||
		strings.Contains(strings.ToLower(p.ID), term)
}

type seedFile struct {
	Patients []Patient `yaml:"patients"`
}

// Directory is an in-memory patient list. Additions are never persisted.
type Directory struct {
	mu       sync.RWMutex
	patients []Patient
	byID     map[string]int
}

// Load reads the directory from a YAML file, or the built-in list when path is empty
func Load(path string) (*Directory, error) {
	data := seedData
	source := "built-in directory"
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read patients file %s: %w", path, err)
		}
		source = path
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}

	d := NewDirectory()
	for i, p := range seed.Patients {
		if _, err := d.Add(p); err != nil {
			return nil, fmt.Errorf("%s: patient %d: %w", source, i+1, err)
		}
	}
	return d, nil
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{byID: make(map[string]int)}
}

// Add validates p and appends it, returning the stored record
func (d *Directory) Add(p Patient) (Patient, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Diagnosis = strings.TrimSpace(p.Diagnosis)
	p.Date = strings.TrimSpace(p.Date)

	if err := p.Validate(); err != nil {
		return Patient{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byID[p.ID]; exists {
		return Patient{}, fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	d.byID[p.ID] = len(d.patients)
	d.patients = append(d.patients, p)
	return p, nil
}

// Get returns the patient with id
func (d *Directory) Get(id string) (Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	i, ok := d.byID[id]
	if !ok {
		return Patient{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.patients[i], nil
}

// Search returns patients whose name, diagnosis or id contains term,
// ignoring case and surrounding whitespace. A blank term returns everyone.
func (d *Directory) Search(term string) []Patient {
	term = strings.ToLower(strings.TrimSpace(term))

	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]Patient, 0, len(d.patients))
	for _, p := range d.patients {
		if term == "" || p.matches(term) {
			result = append(result, p)
		}
	}
	return result
}

// Len returns the number of patients
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.patients)
}
