package provider

import (
	"testing"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/errs"
)

func TestJSONParserArray(t *testing.T) {
	p, err := newParser(config.TransformConfig{Parser: config.ParserJSON}, "id")
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	rows, err := p.Parse([]byte(`[{"id":"a","px":1.5},{"id":"b","px":2}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "a" || rows[1]["id"] != "b" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestJSONParserSingleObject(t *testing.T) {
	p, _ := newParser(config.TransformConfig{Parser: config.ParserJSON}, "id")
	rows, err := p.Parse([]byte(` {"id":"a"} `))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "a" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestJSONParserRejectsScalars(t *testing.T) {
	p, _ := newParser(config.TransformConfig{Parser: config.ParserJSON}, "id")
	if _, err := p.Parse([]byte(`42`)); !errs.IsCode(err, errs.CodeProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if _, err := p.Parse([]byte(`[1,2,3`)); !errs.IsCode(err, errs.CodeProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestJSONParserEmptyBody(t *testing.T) {
	p, _ := newParser(config.TransformConfig{Parser: config.ParserJSON}, "id")
	rows, err := p.Parse([]byte("  "))
	if err != nil || rows != nil {
		t.Fatalf("rows = %v, err = %v", rows, err)
	}
}

func TestTextParser(t *testing.T) {
	p, err := newParser(config.TransformConfig{Parser: config.ParserText}, "symbol")
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	rows, err := p.Parse([]byte("  AAPL \n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 1 || rows[0]["symbol"] != "AAPL" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestScriptParser(t *testing.T) {
	script := `
function parse(body) {
	var parts = body.split("|");
	return { id: parts[0], px: parseFloat(parts[1]) };
}
`
	p, err := newParser(config.TransformConfig{Parser: config.ParserCustom, Script: script}, "id")
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	rows, err := p.Parse([]byte("MSFT|412.5"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "MSFT" || rows[0]["px"] != 412.5 {
		t.Fatalf("rows = %v", rows)
	}
}

func TestScriptParserArrayResult(t *testing.T) {
	script := `
function parse(body) {
	return JSON.parse(body).map(function (r) { return { id: r.k, v: r.v }; });
}
`
	p, err := newParser(config.TransformConfig{Parser: config.ParserCustom, Script: script}, "id")
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	rows, err := p.Parse([]byte(`[{"k":"a","v":1},{"k":"b","v":2}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "a" || rows[1]["id"] != "b" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestScriptParserNullSkipsFrame(t *testing.T) {
	script := `function parse(body) { return null; }`
	p, err := newParser(config.TransformConfig{Parser: config.ParserCustom, Script: script}, "id")
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	rows, err := p.Parse([]byte("ignored"))
	if err != nil || rows != nil {
		t.Fatalf("rows = %v, err = %v", rows, err)
	}
}

func TestScriptParserCompileError(t *testing.T) {
	_, err := newParser(config.TransformConfig{Parser: config.ParserCustom, Script: "function parse( {"}, "id")
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("err = %v, want invalid", err)
	}
}

func TestScriptParserMissingFunction(t *testing.T) {
	_, err := newParser(config.TransformConfig{Parser: config.ParserCustom, Script: "var x = 1;"}, "id")
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("err = %v, want invalid", err)
	}
}

func TestScriptParserBadReturn(t *testing.T) {
	p, err := newParser(config.TransformConfig{Parser: config.ParserCustom, Script: `function parse(b) { return "nope"; }`}, "id")
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	if _, err := p.Parse([]byte("x")); !errs.IsCode(err, errs.CodeProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}
