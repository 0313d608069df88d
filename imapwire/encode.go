package imapwire

import (
	"bytes"
	"fmt"
)

// EncodeCommand renders a Command back to wire bytes. Used by the UP half
// when forwarding a DN command upstream with its tag rewritten, and by
// tests exercising the encode/decode round trip.
func EncodeCommand(c *Command) []byte {
	var b bytes.Buffer
	b.WriteString(c.Tag)
	b.WriteByte(' ')
	b.WriteString(c.Verb)
	for _, a := range c.Args {
		b.WriteByte(' ')
		writeArg(&b, a)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func writeArg(b *bytes.Buffer, a Arg) {
	switch a.Kind {
	case ArgLiteral:
		fmt.Fprintf(b, "{%d}\r\n", len(a.Val))
		b.Write(a.Val)
	case ArgQuoted:
		b.WriteByte('"')
		for _, c := range a.Val {
			if c == '"' || c == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
		}
		b.WriteByte('"')
	default:
		b.Write(a.Val)
	}
}

// EncodeResponse renders a Response back to wire bytes, one form per
// RespKind.
func EncodeResponse(r *Response) []byte {
	var b bytes.Buffer
	switch r.Kind {
	case RespTagged:
		b.WriteString(r.Tag)
		b.WriteByte(' ')
		b.WriteString(string(r.Stat))
		if r.Code != "" {
			fmt.Fprintf(&b, " [%s]", r.Code)
		}
		if r.Text != "" {
			b.WriteByte(' ')
			b.WriteString(r.Text)
		}
		b.WriteString("\r\n")
	case RespUntagged:
		b.WriteString("* ")
		b.WriteString(r.Text)
		b.WriteString("\r\n")
	case RespContinuation:
		b.WriteString("+ ")
		b.WriteString(r.Text)
		b.WriteString("\r\n")
	case RespXkeysyncDeleted:
		fmt.Fprintf(&b, "* XKEYSYNC DELETED %s\r\n", r.Fpr)
	case RespXkeysyncCreated:
		fmt.Fprintf(&b, "* XKEYSYNC CREATED {%d}\r\n", len(r.Pubkey))
		b.Write(r.Pubkey)
		b.WriteString("\r\n")
	case RespXkeysyncOK:
		b.WriteString("* XKEYSYNC OK\r\n")
	}
	return b.Bytes()
}

// NewXkeyaddCommand builds an "tag XKEYADD astring" command carrying a PEM
// public key as a literal argument.
func NewXkeyaddCommand(tag string, pem []byte) *Command {
	return &Command{Tag: tag, Verb: "XKEYADD", Args: []Arg{{Kind: ArgLiteral, Val: pem}}}
}

// NewXkeysyncCommand builds an "tag XKEYSYNC [fpr...]" command.
func NewXkeysyncCommand(tag string, fprs []string) *Command {
	c := &Command{Tag: tag, Verb: "XKEYSYNC"}
	for _, f := range fprs {
		c.Args = append(c.Args, Arg{Kind: ArgAtom, Val: []byte(f)})
	}
	return c
}

// TaggedOK / TaggedNO / TaggedBAD build the three tagged-status shapes used
// throughout the CITM and device-key command handlers.
func TaggedOK(tag, code, text string) *Response {
	return &Response{Kind: RespTagged, Tag: tag, Stat: OK, Code: code, Text: text}
}

func TaggedNO(tag, text string) *Response {
	return &Response{Kind: RespTagged, Tag: tag, Stat: NO, Text: text}
}

func TaggedBAD(tag, text string) *Response {
	return &Response{Kind: RespTagged, Tag: tag, Stat: BAD, Text: text}
}

func Untagged(text string) *Response {
	return &Response{Kind: RespUntagged, Text: text}
}

func PlusOK() *Response { return &Response{Kind: RespContinuation, Text: "OK"} }
