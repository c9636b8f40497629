package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// placeholderRe — {{key}}. Пробелы у скобок отбрасываются, внутри ключа допустимы ({{first name}}).
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render подставляет значения из vars в плейсхолдеры {{key}}.
//
// Плейсхолдеры, ключей которых нет в vars, остаются как есть.
// Подставленные значения повторно не рендерятся.
func Render(tmpl string, vars map[string]any) string {
	if len(vars) == 0 {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := vars[key]
		if !ok {
			return match
		}
		return Stringify(value)
	})
}

// Stringify приводит значение контекста к строке.
// Строки и числа подставляются как есть, nil — пустая строка, map и slice — JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
