package engine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/annexdb/annex/pkg/core/types"
)

// filterIndex answers metadata filter expressions with id sets. String
// values live in an inverted index, numeric values in one B-tree per key so
// range operators are a single ordered walk instead of a full scan. It is
// rebuilt from the meta family on startup and maintained inline on every
// insert and delete.
type filterIndex struct {
	mu sync.RWMutex
	// inverted: key -> string value -> ids.
	inverted map[string]map[string]map[uint64]struct{}
	// numeric: key -> ordered (value, id) pairs.
	numeric map[string]*btree.BTreeG[numItem]
}

type numItem struct {
	Value float64
	ID    uint64
}

func numItemLess(a, b numItem) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.ID < b.ID
}

func newFilterIndex() *filterIndex {
	return &filterIndex{
		inverted: make(map[string]map[string]map[uint64]struct{}),
		numeric:  make(map[string]*btree.BTreeG[numItem]),
	}
}

// numericValue widens every number type msgpack may hand back. Booleans are
// indexed as the strings "true"/"false".
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

// Add indexes one document. Unsupported value types (nested maps, arrays)
// are skipped, matching what the filter language can express.
func (fi *filterIndex) Add(id uint64, doc types.Document) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	for key, value := range doc {
		if num, ok := numericValue(value); ok {
			tree, ok := fi.numeric[key]
			if !ok {
				tree = btree.NewBTreeG[numItem](numItemLess)
				fi.numeric[key] = tree
			}
			tree.Set(numItem{Value: num, ID: id})
			continue
		}
		if str, ok := stringValue(value); ok {
			byValue, ok := fi.inverted[key]
			if !ok {
				byValue = make(map[string]map[uint64]struct{})
				fi.inverted[key] = byValue
			}
			ids, ok := byValue[str]
			if !ok {
				ids = make(map[uint64]struct{})
				byValue[str] = ids
			}
			ids[id] = struct{}{}
		}
	}
}

// Remove drops one document's entries. The caller supplies the same
// document that was indexed.
func (fi *filterIndex) Remove(id uint64, doc types.Document) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	for key, value := range doc {
		if num, ok := numericValue(value); ok {
			if tree, ok := fi.numeric[key]; ok {
				tree.Delete(numItem{Value: num, ID: id})
			}
			continue
		}
		if str, ok := stringValue(value); ok {
			if byValue, ok := fi.inverted[key]; ok {
				if ids, ok := byValue[str]; ok {
					delete(ids, id)
					if len(ids) == 0 {
						delete(byValue, str)
					}
				}
			}
		}
	}
}

var (
	reOr  = regexp.MustCompile(`(?i)\s+OR\s+`)
	reAnd = regexp.MustCompile(`(?i)\s+AND\s+`)
)

// Eval plans and runs a filter expression, returning the matching id set.
// OR binds loosest: the expression splits into OR blocks, each block is an
// AND of conditions like "genre=rock" or "year>=1990".
func (fi *filterIndex) Eval(filter string) (map[uint64]struct{}, error) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()

	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}

	result := make(map[uint64]struct{})
	for _, orBlock := range reOr.Split(filter, -1) {
		orBlock = strings.TrimSpace(orBlock)
		if orBlock == "" {
			continue
		}

		var blockSet map[uint64]struct{}
		first := true
		for _, cond := range reAnd.Split(orBlock, -1) {
			cond = strings.TrimSpace(cond)
			if cond == "" {
				continue
			}

			condSet, err := fi.evalCondition(cond)
			if err != nil {
				return nil, err
			}
			if first {
				blockSet = condSet
				first = false
			} else {
				blockSet = intersectSets(blockSet, condSet)
			}
			if len(blockSet) == 0 {
				break
			}
		}

		for id := range blockSet {
			result[id] = struct{}{}
		}
	}
	return result, nil
}

// evalCondition handles a single "key OP value" condition. Longer operators
// are matched first so ">=" is not misread as ">".
func (fi *filterIndex) evalCondition(cond string) (map[uint64]struct{}, error) {
	var op string
	opIndex := -1
	for _, operator := range []string{"<=", ">=", "=", "<", ">"} {
		if idx := strings.Index(cond, operator); idx != -1 {
			op = operator
			opIndex = idx
			break
		}
	}
	if opIndex == -1 {
		return nil, fmt.Errorf("%w: no operator in %q (use =, <, >, <=, >=)", ErrInvalidFilter, cond)
	}

	key := strings.TrimSpace(cond[:opIndex])
	valueStr := strings.TrimSpace(cond[opIndex+len(op):])
	if key == "" || valueStr == "" {
		return nil, fmt.Errorf("%w: malformed condition %q", ErrInvalidFilter, cond)
	}

	ids := make(map[uint64]struct{})

	if op == "=" {
		// Numbers hit the B-tree, everything else the inverted index.
		if num, err := strconv.ParseFloat(valueStr, 64); err == nil {
			if tree, ok := fi.numeric[key]; ok {
				tree.Ascend(numItem{Value: num}, func(item numItem) bool {
					if item.Value != num {
						return false
					}
					ids[item.ID] = struct{}{}
					return true
				})
			}
			return ids, nil
		}
		if byValue, ok := fi.inverted[key]; ok {
			for id := range byValue[valueStr] {
				ids[id] = struct{}{}
			}
		}
		return ids, nil
	}

	num, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: operator %q needs a numeric value, got %q", ErrInvalidFilter, op, valueStr)
	}
	tree, ok := fi.numeric[key]
	if !ok {
		return ids, nil
	}

	switch op {
	case "<":
		tree.Ascend(numItem{Value: math.Inf(-1)}, func(item numItem) bool {
			if item.Value >= num {
				return false
			}
			ids[item.ID] = struct{}{}
			return true
		})
	case "<=":
		tree.Ascend(numItem{Value: math.Inf(-1)}, func(item numItem) bool {
			if item.Value > num {
				return false
			}
			ids[item.ID] = struct{}{}
			return true
		})
	case ">":
		tree.Descend(numItem{Value: math.Inf(1), ID: math.MaxUint64}, func(item numItem) bool {
			if item.Value <= num {
				return false
			}
			ids[item.ID] = struct{}{}
			return true
		})
	case ">=":
		tree.Descend(numItem{Value: math.Inf(1), ID: math.MaxUint64}, func(item numItem) bool {
			if item.Value < num {
				return false
			}
			ids[item.ID] = struct{}{}
			return true
		})
	}
	return ids, nil
}

func intersectSets(a, b map[uint64]struct{}) map[uint64]struct{} {
	if len(a) > len(b) {
		a, b = b, a
	}
	out := make(map[uint64]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
