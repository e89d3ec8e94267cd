package ports

import "testing"

func TestEquals_Structural(t *testing.T) {
	cases := []struct {
		name string
		a, b Type
		want bool
	}{
		{"same primitive", Prim(Text), Prim(Text), true},
		{"different primitive", Prim(Text), Prim(Number), false},
		{"same contract", Contract("llm.provider.v1"), Contract("llm.provider.v1"), true},
		{"different contract version", Contract("llm.provider.v1"), Contract("llm.provider.v2"), false},
		{"list of same", ListOf(Prim(Text)), ListOf(Prim(Text)), true},
		{"list of different", ListOf(Prim(Text)), ListOf(Prim(Number)), false},
		{"map same value", MapOf(Number), MapOf(Number), true},
		{"map vs primitive", MapOf(Text), Prim(Text), false},
		{"nested lists", ListOf(ListOf(Prim(JSON))), ListOf(ListOf(Prim(JSON))), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(tc.a, tc.b); got != tc.want {
				t.Fatalf("Equals(%s, %s) = %v, want %v", Describe(tc.a), Describe(tc.b), got, tc.want)
			}
		})
	}
}

func TestCompatible_AnyAndCoercions(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name string
		src  Type
		dst  Type
		want bool
	}{
		{"any source", Prim(Any), Prim(Number), true},
		{"any target", Contract("mcp.tool.v1"), Prim(Any), true},
		{"identical", Prim(Text), Prim(Text), true},
		{"text accepts file", Prim(File), Prim(Text), true},
		{"file does not accept text", Prim(Text), Prim(File), false},
		{"json accepts text", Prim(Text), Prim(JSON), true},
		{"number accepts text", Prim(Text), Prim(Number), true},
		{"boolean accepts text", Prim(Text), Prim(Boolean), true},
		{"number does not accept boolean", Prim(Boolean), Prim(Number), false},
		{"list covariant", ListOf(Prim(File)), ListOf(Prim(Text)), true},
		{"list not contravariant", ListOf(Prim(Text)), ListOf(Prim(File)), false},
		{"scalar into list is not an edge match", Prim(Text), ListOf(Prim(Text)), false},
		{"contract name mismatch", Contract("a.v1"), Contract("b.v1"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Compatible(tc.src, tc.dst); got != tc.want {
				t.Fatalf("Compatible(%s, %s) = %v, want %v", Describe(tc.src), Describe(tc.dst), got, tc.want)
			}
		})
	}
}

func TestCoerce_Values(t *testing.T) {
	r := NewRegistry()

	file := map[string]any{FileKeyName: "report.txt", FileKeyContent: "scan complete", FileKeyMime: "text/plain"}
	got, err := r.Coerce(file, Prim(File), Prim(Text))
	if err != nil {
		t.Fatalf("file->text: %v", err)
	}
	if got != "scan complete" {
		t.Fatalf("file->text = %q", got)
	}

	parsed, err := r.Coerce(`{"severity":"high"}`, Prim(Text), Prim(JSON))
	if err != nil {
		t.Fatalf("text->json: %v", err)
	}
	m, ok := parsed.(map[string]any)
	if !ok || m["severity"] != "high" {
		t.Fatalf("text->json = %#v", parsed)
	}

	n, err := r.Coerce("42.5", Prim(Text), Prim(Number))
	if err != nil || n != 42.5 {
		t.Fatalf("text->number = %v, %v", n, err)
	}

	b, err := r.Coerce("true", Prim(Text), Prim(Boolean))
	if err != nil || b != true {
		t.Fatalf("text->boolean = %v, %v", b, err)
	}

	if _, err := r.Coerce("maybe", Prim(Text), Prim(Boolean)); err == nil {
		t.Fatal("text->boolean accepted a non-boolean string")
	}

	list, err := r.Coerce([]any{"1", "2"}, ListOf(Prim(Text)), ListOf(Prim(Number)))
	if err != nil {
		t.Fatalf("list coerce: %v", err)
	}
	els := list.([]any)
	if els[0] != 1.0 || els[1] != 2.0 {
		t.Fatalf("list coerce = %#v", els)
	}
}

func TestContractRegistry(t *testing.T) {
	r := NewRegistry()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"provider"},
		"properties": map[string]any{
			"provider": map[string]any{"type": "string"},
			"model":    map[string]any{"type": "string"},
		},
	}
	if err := r.RegisterContract("llm.provider.v1", schema); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterContract("llm.provider.v1", schema); err == nil {
		t.Fatal("duplicate contract registration accepted")
	}
	if !r.HasContract("llm.provider.v1") {
		t.Fatal("HasContract = false")
	}
	if err := r.ValidateContract("llm.provider.v1", map[string]any{"provider": "openai"}); err != nil {
		t.Fatalf("validate valid: %v", err)
	}
	if err := r.ValidateContract("llm.provider.v1", map[string]any{"model": "gpt"}); err == nil {
		t.Fatal("validate accepted missing required field")
	}
	if err := r.ValidateContract("nope.v1", map[string]any{}); err == nil {
		t.Fatal("validate accepted unknown contract")
	}
}

func TestDescribe(t *testing.T) {
	cases := map[string]Type{
		"text":                  Prim(Text),
		"llm.provider.v1":       Contract("llm.provider.v1"),
		"list<text>":            ListOf(Prim(Text)),
		"list<list<json>>":      ListOf(ListOf(Prim(JSON))),
		"map<string,number>":    MapOf(Number),
		"list<llm.provider.v1>": ListOf(Contract("llm.provider.v1")),
	}
	for want, typ := range cases {
		if got := Describe(typ); got != want {
			t.Errorf("Describe = %q, want %q", got, want)
		}
	}
}
