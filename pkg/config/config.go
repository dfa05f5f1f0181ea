package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors a configuration struct as a tree of properties. A leaf value
// is resolved with the priority: environment > user file > format default
// yaml > `default` struct tag > zero value.
type Config struct {
	Ptr      reflect.Value // the struct field this property writes into
	Env      any           // value taken from the environment
	File     any           // value taken from the user file
	Default  any           // value from the default tag or default yaml
	name     string        // lower case
	propsMap map[string]*Config
	props    []*Config
	tag      reflect.StructTag
}

var (
	durationType    = reflect.TypeOf(time.Duration(0))
	regexPureNumber = regexp.MustCompile(`^\d+$`)
)

func (config *Config) Get(key string) (v *Config) {
	if config.propsMap == nil {
		config.propsMap = make(map[string]*Config)
	}
	if v, ok := config.propsMap[key]; ok {
		return v
	}
	v = &Config{name: key}
	config.propsMap[key] = v
	config.props = append(config.props, v)
	return v
}

func (config *Config) Has(key string) (ok bool) {
	if config.propsMap == nil {
		return false
	}
	_, ok = config.propsMap[strings.ToLower(key)]
	return
}

func (config *Config) GetValue() any {
	return config.Ptr.Interface()
}

// Parse walks the struct s (a pointer or reflect.Value), applies `default`
// tags and, when a prefix is given, environment variables named
// PREFIX_FIELD_SUBFIELD.
func (config *Config) Parse(s any, prefix ...string) (err error) {
	var t reflect.Type
	var v reflect.Value
	if vv, ok := s.(reflect.Value); ok {
		t, v = vv.Type(), vv
	} else {
		t, v = reflect.TypeOf(s), reflect.ValueOf(s)
	}
	if t.Kind() == reflect.Pointer {
		t, v = t.Elem(), v.Elem()
	}
	config.Ptr = v
	config.Default = v.Interface()

	if l := len(prefix); l > 0 {
		name := strings.ToLower(prefix[l-1])
		if tag := config.tag.Get("default"); tag != "" {
			var dv reflect.Value
			if dv, err = config.assign(name, tag); err != nil {
				return
			}
			v.Set(dv)
			config.Default = v.Interface()
		}
		// a single element prefix is a bare field name and never read from env
		if envValue := os.Getenv(strings.Join(prefix, "_")); l > 1 && envValue != "" {
			var ev reflect.Value
			if ev, err = config.assign(name, envValue); err != nil {
				return
			}
			v.Set(ev)
			config.Env = v.Interface()
		}
	}

	if t.Kind() != reflect.Struct || t.Implements(yamlUnmarshalerType) || reflect.PointerTo(t).Implements(yamlUnmarshalerType) {
		return
	}
	for i, j := 0, t.NumField(); i < j; i++ {
		ft, fv := t.Field(i), v.Field(i)
		if !ft.IsExported() {
			continue
		}
		name := strings.ToLower(ft.Name)
		if tag := ft.Tag.Get("yaml"); tag != "" {
			if tag == "-" {
				continue
			}
			name, _, _ = strings.Cut(tag, ",")
		}
		prop := config.Get(name)
		prop.tag = ft.Tag
		if err = prop.Parse(fv, append(prefix, strings.ToUpper(ft.Name))...); err != nil {
			return
		}
	}
	return
}

var yamlUnmarshalerType = reflect.TypeOf((*yaml.Unmarshaler)(nil)).Elem()

// ParseDefaultYaml applies the yaml a format ships with.
func (config *Config) ParseDefaultYaml(defaultYaml map[string]any) (err error) {
	for k, v := range defaultYaml {
		if !config.Has(k) {
			continue
		}
		if prop := config.Get(k); prop.props != nil {
			if m, ok := v.(map[string]any); ok {
				if err = prop.ParseDefaultYaml(m); err != nil {
					return
				}
			}
		} else {
			var dv reflect.Value
			if dv, err = prop.assign(k, v); err != nil {
				return
			}
			prop.Default = dv.Interface()
			if prop.Env == nil {
				prop.Ptr.Set(dv)
			}
		}
	}
	return
}

// ParseUserFile applies values read from the user's yaml file.
func (config *Config) ParseUserFile(conf map[string]any) (err error) {
	if conf == nil {
		return
	}
	config.File = conf
	for k, v := range conf {
		if !config.Has(k) {
			continue
		}
		if prop := config.Get(k); prop.props != nil {
			if m, ok := v.(map[string]any); ok {
				if err = prop.ParseUserFile(m); err != nil {
					return
				}
			}
		} else {
			var fv reflect.Value
			if fv, err = prop.assign(k, v); err != nil {
				return
			}
			prop.File = fv.Interface()
			if prop.Env == nil {
				prop.Ptr.Set(fv)
			}
		}
	}
	return
}

// GetMap returns the effective values as a nested map.
func (config *Config) GetMap() map[string]any {
	m := make(map[string]any)
	for k, v := range config.propsMap {
		if v.props != nil {
			if vv := v.GetMap(); vv != nil {
				m[k] = vv
			}
		} else if v.GetValue() != nil {
			m[k] = v.GetValue()
		}
	}
	if len(m) > 0 {
		return m
	}
	return nil
}

func (config *Config) assign(k string, v any) (target reflect.Value, err error) {
	ft := config.Ptr.Type()
	source := reflect.ValueOf(v)
	if ft == durationType {
		target = reflect.New(ft).Elem()
		switch {
		case !source.IsValid() || source.IsZero():
			target.SetInt(0)
		case source.Type() == durationType:
			target.Set(source)
		default:
			timeStr := fmt.Sprint(v)
			d, perr := time.ParseDuration(timeStr)
			if perr != nil || regexPureNumber.MatchString(timeStr) {
				return target, fmt.Errorf("config %s: invalid duration %q, add a unit (ms, s, m, h)", k, timeStr)
			}
			target.SetInt(int64(d))
		}
		return
	}
	tmpStruct := reflect.StructOf([]reflect.StructField{
		{
			Name: strings.ToUpper(k),
			Type: ft,
		},
	})
	tmpValue := reflect.New(tmpStruct)
	if v != nil {
		var out []byte
		if vv, ok := v.(string); ok {
			out = []byte(fmt.Sprintf("%s: %s", k, vv))
		} else if out, err = yaml.Marshal(map[string]any{k: v}); err != nil {
			return
		}
		if err = yaml.Unmarshal(out, tmpValue.Interface()); err != nil {
			return target, fmt.Errorf("config %s: %w", k, err)
		}
	}
	target = tmpValue.Elem().Field(0)
	return
}

// Parse fills target from its defaults and then conf.
func Parse(target any, conf map[string]any) error {
	var c Config
	if err := c.Parse(target); err != nil {
		return err
	}
	return c.ParseUserFile(conf)
}

// Load is the full resolution used by the format registry: struct defaults,
// then the format's default yaml, then env (PREFIX_...), then the user map.
func Load(target any, prefix string, defaultYaml string, conf map[string]any) (c *Config, err error) {
	c = &Config{}
	if err = c.Parse(target, strings.ToUpper(prefix)); err != nil {
		return
	}
	if defaultYaml != "" {
		var m map[string]any
		if err = yaml.Unmarshal([]byte(defaultYaml), &m); err != nil {
			return nil, fmt.Errorf("default yaml: %w", err)
		}
		if err = c.ParseDefaultYaml(m); err != nil {
			return
		}
	}
	err = c.ParseUserFile(conf)
	return
}

// ReadFile loads a yaml file into the map form ParseUserFile consumes.
func ReadFile(path string) (conf map[string]any, err error) {
	var b []byte
	if b, err = os.ReadFile(path); err != nil {
		return
	}
	err = yaml.Unmarshal(b, &conf)
	return
}
