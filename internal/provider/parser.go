package provider

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/schema"
)

// RowParser decodes a frame body into zero or more rows.
type RowParser interface {
	Parse(body []byte) ([]schema.Row, error)
}

// newParser builds the parser selected by the datasource transform config.
func newParser(cfg config.TransformConfig, keyColumn string) (RowParser, error) {
	switch cfg.Parser {
	case config.ParserJSON, "":
		return jsonParser{}, nil
	case config.ParserText:
		return textParser{keyColumn: keyColumn}, nil
	case config.ParserCustom:
		return newScriptParser(cfg.Script)
	default:
		return nil, errs.New("provider/parser", errs.CodeInvalid,
			errs.WithMessage("unknown parser kind"), errs.WithField("parser", string(cfg.Parser)))
	}
}

// jsonParser accepts a JSON array of records or a single record.
type jsonParser struct{}

func (jsonParser) Parse(body []byte) ([]schema.Row, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var rows []schema.Row
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, errs.New("provider/parser", errs.CodeProtocol,
				errs.WithMessage("decode row array"), errs.WithCause(err))
		}
		return rows, nil
	case '{':
		var row schema.Row
		if err := json.Unmarshal(trimmed, &row); err != nil {
			return nil, errs.New("provider/parser", errs.CodeProtocol,
				errs.WithMessage("decode row object"), errs.WithCause(err))
		}
		return []schema.Row{row}, nil
	default:
		return nil, errs.New("provider/parser", errs.CodeProtocol,
			errs.WithMessage("frame is neither array nor object"))
	}
}

// textParser emits one row per frame carrying the body under the key column.
type textParser struct {
	keyColumn string
}

func (p textParser) Parse(body []byte) ([]schema.Row, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, nil
	}
	return []schema.Row{{p.keyColumn: text}}, nil
}

// scriptParser runs a configured JavaScript program exporting parse(body).
// goja runtimes are not goroutine safe; calls are serialised.
type scriptParser struct {
	mu    sync.Mutex
	rt    *goja.Runtime
	parse goja.Callable
}

func newScriptParser(src string) (*scriptParser, error) {
	program, err := goja.Compile("transform.js", src, true)
	if err != nil {
		return nil, errs.New("provider/parser", errs.CodeInvalid,
			errs.WithMessage("compile transform script"), errs.WithCause(err))
	}
	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New("provider/parser", errs.CodeInvalid,
			errs.WithMessage("evaluate transform script"), errs.WithCause(err))
	}
	value := rt.Get("parse")
	parse, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("provider/parser", errs.CodeInvalid,
			errs.WithMessage("transform script must define parse(body)"))
	}
	return &scriptParser{rt: rt, parse: parse}, nil
}

func (p *scriptParser) Parse(body []byte) ([]schema.Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, err := p.parse(goja.Undefined(), p.rt.ToValue(string(body)))
	if err != nil {
		return nil, errs.New("provider/parser", errs.CodeProtocol,
			errs.WithMessage("transform parse failed"), errs.WithCause(err))
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	exported := result.Export()
	rows, err := coerceRows(exported)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func coerceRows(value any) ([]schema.Row, error) {
	switch v := value.(type) {
	case []any:
		rows := make([]schema.Row, 0, len(v))
		for _, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, errs.New("provider/parser", errs.CodeProtocol,
					errs.WithMessage(fmt.Sprintf("transform returned non-record element %T", item)))
			}
			rows = append(rows, schema.Row(record))
		}
		return rows, nil
	case map[string]any:
		return []schema.Row{schema.Row(v)}, nil
	default:
		return nil, errs.New("provider/parser", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("transform returned %T, want record or array", value)))
	}
}
