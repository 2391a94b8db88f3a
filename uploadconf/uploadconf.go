// Package uploadconf parses environment variables into tagged config structs.
//
// Supported tags: `env:"NAME"`, `env:"NAME,required"`, `env:"NAME,file"`, `env:"NAME,dir"`
// and `env:"NAME,opt[a,b,'c,d']"`. Slices are separated by |.
package uploadconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ParseError occurs when a struct field cannot be set.
type ParseError struct {
	Field string
	Value string
	Err   error
}

// Error implements builtin errors.Error.
func (e *ParseError) Error() string {
	segments := []string{e.Field}
	if e.Value != "" {
		segments = append(segments, e.Value)
	}
	segments = append(segments, e.Err.Error())
	return strings.Join(segments, ": ")
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// InputParser ...
type InputParser interface {
	Parse(input interface{}) error
}

type defaultInputParser struct {
	envRepository env.Repository
}

// NewInputParser ...
func NewInputParser(envRepository env.Repository) InputParser {
	return defaultInputParser{
		envRepository: envRepository,
	}
}

// Parse ...
func (p defaultInputParser) Parse(input interface{}) error {
	return parse(input, p.envRepository)
}

// Parse populates a struct with the retrieved values from the process environment.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

// parse sets every field with an env tag. Fields of unset variables keep their value,
// so defaults can be assigned before parsing. Constraints other than required only
// apply to set variables.
func parse(conf interface{}, envRepository env.Repository) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []*ParseError
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envRepository.Get(key)

		if value == "" {
			if constraint == "required" {
				errs = append(errs, &ParseError{t.Field(i).Name, value, errors.New("required variable is not present")})
			}
			continue
		}
		if err := validate(value, constraint); err != nil {
			errs = append(errs, &ParseError{t.Field(i).Name, value, err})
			continue
		}
		if err := setField(c.Field(i), value); err != nil {
			errs = append(errs, &ParseError{t.Field(i).Name, value, err})
		}
	}

	if len(errs) > 0 {
		errorString := "failed to parse config:"
		for _, err := range errs {
			errorString += fmt.Sprintf("\n- %s", err)
		}
		errorString += fmt.Sprintf("\n\n%s", toString(conf))
		return errors.New(errorString)
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if sep := strings.Index(tag, ","); sep != -1 {
		return tag[:sep], tag[sep+1:]
	}
	return tag, ""
}

func validate(value, constraint string) error {
	switch constraint {
	case "":
		return nil
	case "required":
	case "file", "dir":
		info, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("check path: %w", err)
		}
		if constraint == "dir" && !info.IsDir() {
			return errors.New("not a directory")
		}
		if constraint == "file" && info.IsDir() {
			return errors.New("not a file")
		}
	default:
		opts, err := parseOptions(constraint)
		if err != nil {
			return err
		}
		for _, opt := range opts {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("value is not in value options (%s)", strings.Join(opts, ", "))
	}
	return nil
}

// parseOptions splits opt[a,b,'c,d'] into its options.
func parseOptions(constraint string) ([]string, error) {
	if !strings.HasPrefix(constraint, "opt[") || !strings.HasSuffix(constraint, "]") {
		return nil, fmt.Errorf("invalid constraint (%s)", constraint)
	}
	list := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var opts []string
	var current strings.Builder
	quoted := false
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in constraint (%s)", constraint)
	}
	opts = append(opts, current.String())

	return opts, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setField(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.New("can't convert to duration")
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to uint")
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		items := strings.Split(value, "|")
		slice := reflect.MakeSlice(field.Type(), 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				slice = reflect.Append(slice, reflect.ValueOf(item).Convert(field.Type().Elem()))
			}
		}
		field.Set(slice)
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}
