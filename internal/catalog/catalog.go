// Package catalog holds the static tables the kiosk is configured with: detector class
// names, the task list with its expected PPE sets, the target→reference label associations,
// the annotation colors and the operator list. Everything is loaded once at startup and is
// read-only afterwards.
package catalog

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"ppekiosk/internal/dto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrOperatorNotFound = errors.New("operator not found")
)

const (
	classesFile   = "classes.json"
	tasksFile     = "tasks.json"
	referenceFile = "_map.json"
	colorFile     = "_ColorMap.json"
	operatorFile  = "TestOperator.json"
)

// DefaultClassNames is the class order of the shipped detector.
var DefaultClassNames = []string{
	"Arm", "Cap", "Carbon_Mask", "Clothes", "Face_Shield", "Gas_Mask",
	"Glove", "ID_Card", "Long_Glove", "OSL", "Safety_Shoe", "Yellow_Jacket",
}

// DefaultColor is used for labels absent from the color map.
var DefaultColor = color.RGBA{R: 255, A: 255}

// Task is one selectable job with its required PPE.
type Task struct {
	ID       int            `json:"id"`
	Name     string         `json:"name"`
	File     string         `json:"file"`
	Roles    []string       `json:"roles"`
	Expected dto.ItemCounts `json:"-"`
}

// Operator is an entry of the local operator list.
type Operator struct {
	EmpNo    string `json:"EmpNo"`
	Name     string `json:"Name,omitempty"`
	Position string `json:"Position"`
}

// Role returns the normalized position code.
func (o Operator) Role() string {
	return strings.ToUpper(strings.TrimSpace(o.Position))
}

// Catalog is the read-only configuration injected into the detection engine and the kiosk controller.
type Catalog struct {
	ClassNames []string
	References map[string][]string
	Colors     map[string]color.RGBA
	tasks      map[int]Task
	operators  map[string]Operator
}

// Load reads every table from dir. Class names and tasks fall back to the built-in defaults
// when their files are absent; the reference map is required.
func Load(dir string) (*Catalog, error) {
	c := &Catalog{
		ClassNames: DefaultClassNames,
		Colors:     make(map[string]color.RGBA),
		tasks:      make(map[int]Task),
		operators:  make(map[string]Operator),
	}

	var classes []string
	if err := readOptional(filepath.Join(dir, classesFile), &classes); err != nil {
		return nil, err
	} else if len(classes) > 0 {
		c.ClassNames = classes
	}

	if err := readJSON(filepath.Join(dir, referenceFile), &c.References); err != nil {
		return nil, err
	}

	var rawColors map[string][]int
	if err := readOptional(filepath.Join(dir, colorFile), &rawColors); err != nil {
		return nil, err
	}
	for label, bgr := range rawColors {
		if len(bgr) != 3 {
			return nil, fmt.Errorf("color for %q must have 3 components, got %d", label, len(bgr))
		}
		// stored as B,G,R
		c.Colors[label] = color.RGBA{R: clamp8(bgr[2]), G: clamp8(bgr[1]), B: clamp8(bgr[0]), A: 255}
	}

	tasks := defaultTasks()
	var fileTasks []Task
	if err := readOptional(filepath.Join(dir, tasksFile), &fileTasks); err != nil {
		return nil, err
	} else if len(fileTasks) > 0 {
		tasks = fileTasks
	}
	for _, t := range tasks {
		var expected map[string]int
		if err := readJSON(filepath.Join(dir, t.File), &expected); err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", t.ID, t.Name, err)
		}
		for label, n := range expected {
			if n < 0 {
				return nil, fmt.Errorf("task %d (%s): negative count for %q", t.ID, t.Name, label)
			}
		}
		t.Expected = dto.ItemCounts(expected)
		c.tasks[t.ID] = t
	}

	var operators []Operator
	if err := readOptional(filepath.Join(dir, operatorFile), &operators); err != nil {
		return nil, err
	}
	for _, op := range operators {
		c.operators[op.EmpNo] = op
	}

	return c, nil
}

func defaultTasks() []Task {
	return []Task{
		{ID: 1, Name: "Chemical Analysis", File: "Chemical.json", Roles: []string{"O"}},
		{ID: 2, Name: "Solder Ability Test", File: "Solder.json", Roles: []string{"O"}},
		{ID: 3, Name: "Thickness Measurement", File: "Thickness.json", Roles: []string{"O"}},
		{ID: 4, Name: "Group Lead", File: "GroupL.json", Roles: []string{"GL"}},
		{ID: 5, Name: "Manager", File: "Manager.json", Roles: []string{"M"}},
	}
}

// Task returns the task with the given id.
func (c *Catalog) Task(id int) (Task, error) {
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	t.Expected = t.Expected.Clone()
	return t, nil
}

// Expected returns the ExpectedItemSet of a task.
func (c *Catalog) Expected(id int) (dto.ItemCounts, error) {
	t, err := c.Task(id)
	if err != nil {
		return nil, err
	}
	return t.Expected, nil
}

// Tasks lists all tasks ordered by id.
func (c *Catalog) Tasks() []Task {
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TasksForRole lists the tasks a role may select.
func (c *Catalog) TasksForRole(role string) []Task {
	var out []Task
	for _, t := range c.Tasks() {
		for _, r := range t.Roles {
			if strings.EqualFold(r, role) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// LookupOperator resolves a card or employee number against the local operator list.
func (c *Catalog) LookupOperator(empNo string) (Operator, error) {
	op, ok := c.operators[empNo]
	if !ok {
		return Operator{}, fmt.Errorf("%w: %s", ErrOperatorNotFound, empNo)
	}
	return op, nil
}

// ClassLabel maps a class id to its name; unknown ids map to their decimal form.
func (c *Catalog) ClassLabel(id int) string {
	if id >= 0 && id < len(c.ClassNames) {
		return c.ClassNames[id]
	}
	return fmt.Sprintf("%d", id)
}

// Color returns the annotation color for a label.
func (c *Catalog) Color(label string) color.RGBA {
	if col, ok := c.Colors[label]; ok {
		return col
	}
	return DefaultColor
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func readOptional(path string, v interface{}) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return readJSON(path, v)
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
