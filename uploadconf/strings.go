package uploadconf

import (
	"fmt"
	"reflect"
	"strings"
)

const (
	colorBlue  = "\x1b[34;1m"
	colorReset = "\x1b[0m"
)

// Print the name of the struct with Title case in blue color with followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

// valueString renders unset fields and nil pointers as <unset>.
func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "<unset>"
		}
		v = v.Elem()
	} else if v.IsZero() {
		return "<unset>"
	}

	return fmt.Sprintf("%v", v.Interface())
}

// returns the name of the struct with Title case in blue color followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)

	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	str := fmt.Sprint(colorBlue + name + ":\n" + colorReset)

	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		var key string
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			key = t.Field(i).Name
		} else {
			key, _ = parseTag(tag)
		}

		str += fmt.Sprintf("- %s: %s\n", key, valueString(v.Field(i)))
	}

	return str
}
