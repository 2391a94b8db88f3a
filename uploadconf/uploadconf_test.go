package uploadconf

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapRepository map[string]string

func (r mapRepository) List() []string {
	var envs []string
	for k, v := range r {
		envs = append(envs, k+"="+v)
	}
	return envs
}

func (r mapRepository) Unset(key string) error {
	delete(r, key)
	return nil
}

func (r mapRepository) Get(key string) string {
	return r[key]
}

func (r mapRepository) Set(key, value string) error {
	r[key] = value
	return nil
}

type testConfig struct {
	Name        string         `env:"name"`
	BuildNumber int            `env:"build_number"`
	Retries     uint           `env:"retries"`
	IsUpdate    bool           `env:"is_update"`
	Items       []string       `env:"items"`
	Password    Secret         `env:"password"`
	Mandatory   string         `env:"mandatory,required"`
	Method      string         `env:"method,opt[dev,qa,'prod,eu']"`
	Timeout     time.Duration  `env:"timeout"`
	Ptr         *string        `env:"ptr"`
	EmptyPtr    *string        `env:"emptyptr"`
	Threshold   *time.Duration `env:"threshold"`
	Untagged    string
}

func TestParse(t *testing.T) {
	repository := mapRepository{
		"name":         "Example",
		"build_number": "11",
		"retries":      "3",
		"is_update":    "yes",
		"items":        "item1|item2| |item3",
		"password":     "pass1234",
		"mandatory":    "present",
		"method":       "prod,eu",
		"timeout":      "90s",
		"ptr":          "test",
		"threshold":    "0s",
	}

	c := testConfig{Untagged: "kept"}
	require.NoError(t, NewInputParser(repository).Parse(&c))

	assert.Equal(t, "Example", c.Name)
	assert.Equal(t, 11, c.BuildNumber)
	assert.Equal(t, uint(3), c.Retries)
	assert.True(t, c.IsUpdate)
	assert.Equal(t, []string{"item1", "item2", "item3"}, c.Items)
	assert.Equal(t, Secret("pass1234"), c.Password)
	assert.Equal(t, "prod,eu", c.Method)
	assert.Equal(t, 90*time.Second, c.Timeout)
	require.NotNil(t, c.Ptr)
	assert.Equal(t, "test", *c.Ptr)
	assert.Nil(t, c.EmptyPtr)
	require.NotNil(t, c.Threshold)
	assert.Equal(t, time.Duration(0), *c.Threshold)
	assert.Equal(t, "kept", c.Untagged)
}

func TestParse_UnsetKeepsDefaults(t *testing.T) {
	c := testConfig{Name: "default", Timeout: time.Minute, Method: "qa"}

	require.NoError(t, NewInputParser(mapRepository{"mandatory": "x"}).Parse(&c))

	assert.Equal(t, "default", c.Name)
	assert.Equal(t, time.Minute, c.Timeout)
	assert.Equal(t, "qa", c.Method)
}

func TestParse_UnsetOptionalConstraints(t *testing.T) {
	type withConstraints struct {
		Method string `env:"method,opt[dev,qa]"`
		Input  string `env:"input,file"`
		Output string `env:"output,dir"`
	}

	c := withConstraints{Method: "dev"}
	require.NoError(t, NewInputParser(mapRepository{}).Parse(&c))

	assert.Equal(t, "dev", c.Method)
	assert.Empty(t, c.Input)
	assert.Empty(t, c.Output)
}

func TestParse_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "int", key: "build_number", value: "notnumber"},
		{name: "uint", key: "retries", value: "-1"},
		{name: "bool", key: "is_update", value: "notbool"},
		{name: "duration", key: "timeout", value: "soon"},
		{name: "option", key: "method", value: "prod"},
		{name: "required", key: "mandatory", value: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repository := mapRepository{"mandatory": "present"}
			repository[tt.key] = tt.value

			var c testConfig
			err := NewInputParser(repository).Parse(&c)

			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to parse config")
		})
	}
}

func TestParse_NotStructPointer(t *testing.T) {
	var c testConfig
	assert.ErrorIs(t, NewInputParser(mapRepository{}).Parse(c), ErrNotStructPtr)

	var basicType string
	assert.ErrorIs(t, NewInputParser(mapRepository{}).Parse(&basicType), ErrNotStructPtr)
}

func TestParse_UnknownConstraint(t *testing.T) {
	type invalid struct {
		Length string `env:"length,length"`
	}
	var c invalid
	assert.Error(t, NewInputParser(mapRepository{"length": "5"}).Parse(&c))
}

func TestParse_Paths(t *testing.T) {
	type config struct {
		File string `env:"file,file"`
		Dir  string `env:"dir,dir"`
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0644))

	var c config
	require.NoError(t, NewInputParser(mapRepository{"file": file, "dir": dir}).Parse(&c))
	assert.Equal(t, file, c.File)

	assert.Error(t, NewInputParser(mapRepository{"file": dir}).Parse(&c))
	assert.Error(t, NewInputParser(mapRepository{"dir": file}).Parse(&c))
	assert.Error(t, NewInputParser(mapRepository{"file": filepath.Join(dir, "missing")}).Parse(&c))
}

func Test_valueString(t *testing.T) {
	var (
		s = "test"
		i = 99
	)
	var sNilPtr *string

	tests := []struct {
		name string
		v    reflect.Value
		want string
	}{
		{"string", reflect.ValueOf(s), "test"},
		{"string ptr", reflect.ValueOf(&s), "test"},
		{"string nil-ptr", reflect.ValueOf(sNilPtr), "<unset>"},
		{"int", reflect.ValueOf(i), "99"},
		{"zero int", reflect.ValueOf(0), "<unset>"},
		{"secret", reflect.ValueOf(Secret("token")), "*****"},
		{"duration", reflect.ValueOf(2 * time.Minute), "2m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueString(tt.v); got != tt.want {
				t.Errorf("valueString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_toString(t *testing.T) {
	type printConfig struct {
		SimpleString       string `env:"simple_string"`
		FieldWithoutEnvTag string
		IntThatCanBeEmpty  int    `env:"int_that_can_be_empty"`
		SensitiveInput     Secret `env:"sensitive_input"`
		ValueOptionInput   string `env:"value_option_input,opt[first,second,third]"`
	}

	cfg := printConfig{
		SimpleString:       "simple value",
		FieldWithoutEnvTag: "This field doesn't have a struct tag",
		SensitiveInput:     "my secret",
		ValueOptionInput:   "second",
	}

	expected := colorBlue + "PrintConfig:\n" + colorReset +
		`- simple_string: simple value
- FieldWithoutEnvTag: This field doesn't have a struct tag
- int_that_can_be_empty: <unset>
- sensitive_input: *****
- value_option_input: second
`
	assert.Equal(t, expected, toString(cfg))
	assert.Equal(t, expected, toString(&cfg))
}

func ExampleParse() {
	c := struct {
		Name string `env:"ENV_NAME"`
		Num  int    `env:"ENV_NUMBER"`
	}{}
	if err := os.Setenv("ENV_NAME", "example"); err != nil {
		panic(err)
	}
	if err := os.Setenv("ENV_NUMBER", "1548"); err != nil {
		panic(err)
	}
	if err := Parse(&c); err != nil {
		panic(err)
	}
	fmt.Println(c)
	// Output: {example 1548}
}
