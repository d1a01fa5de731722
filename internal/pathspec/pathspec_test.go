package pathspec

import "testing"

type fakeNode struct {
	step   Step
	parent *fakeNode
}

func (n *fakeNode) PathStep() Step { return n.step }

func (n *fakeNode) ParentNode() (Node, bool) {
	if n.parent == nil {
		return nil, false
	}
	return n.parent, true
}

func TestOfWalksAncestors(t *testing.T) {
	html := &fakeNode{step: Step{"html", 0}}
	body := &fakeNode{step: Step{"body", 0}, parent: html}
	div := &fakeNode{step: Step{"div", 2}, parent: body}
	canvas := &fakeNode{step: Step{"canvas", 1}, parent: div}

	if got, want := Of(canvas).String(), "html:0>body:0>div:2>canvas:1"; got != want {
		t.Fatalf("Of().String() = %q; want %q", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	in := "html:0>body:0>my-widget:3>canvas:0"
	p, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := p.String(); got != in {
		t.Fatalf("String() = %q; want %q", got, in)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "html", "html:x", "html:-1", "html:0>>body:0", "0div:1", "DIV:0"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded; want error", in)
		}
	}
}

func TestAddressPrependAndParse(t *testing.T) {
	inner, _ := Parse("html:0>body:0>iframe:1")
	outer, _ := Parse("html:0>body:0>div:0>iframe:0")

	addr := Address{}.Prepend(inner).Prepend(outer)
	s := addr.String()
	if want := "html:0>body:0>div:0>iframe:0 / html:0>body:0>iframe:1"; s != want {
		t.Fatalf("Address.String() = %q; want %q", s, want)
	}

	back, err := ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if len(back) != 2 || !back[0].Equal(outer) || !back[1].Equal(inner) {
		t.Fatalf("ParseAddress() = %v; want [%v %v]", back, outer, inner)
	}

	top, err := ParseAddress("")
	if err != nil || len(top) != 0 {
		t.Fatalf("ParseAddress(\"\") = %v, %v; want empty address", top, err)
	}
}

func TestKeyDistinguishesFrames(t *testing.T) {
	f, _ := Parse("html:0>body:0>iframe:0")
	a := Key(Address{}, "html:0>body:0>canvas:0")
	b := Key(Address{f}, "html:0>body:0>canvas:0")
	if a == b {
		t.Fatalf("Key() collided for different frames: %q", a)
	}
}
