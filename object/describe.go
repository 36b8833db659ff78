package object

import (
	"fmt"
	"strings"
)

// Describe renders v for diagnostics and stack traces.
func (h *Heap) Describe(v Value) string {
	var sb strings.Builder
	h.describe(&sb, v, 0)
	return sb.String()
}

func (h *Heap) describe(sb *strings.Builder, v Value, depth int) {
	obj := h.Get(v)
	if obj == nil {
		sb.WriteString(v.String())
		return
	}
	if depth > 3 {
		sb.WriteString("...")
		return
	}

	switch obj.Kind {
	case KindString:
		fmt.Fprintf(sb, "%q", string(obj.Bytes))
	case KindSymbol:
		sb.WriteString("#" + string(obj.Bytes))
	case KindType:
		sb.WriteString(h.TypeName(v))
	case KindArray, KindTuple:
		if obj.Kind == KindTuple {
			sb.WriteString(h.TypeName(obj.Type))
		}
		sb.WriteString("(")
		for i, s := range obj.Slots {
			if i > 0 {
				sb.WriteString(" ")
			}
			h.describe(sb, s, depth+1)
		}
		sb.WriteString(")")
	case KindByteArray:
		sb.WriteString("#[")
		for i, b := range obj.Bytes {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(sb, "%d", b)
		}
		sb.WriteString("]")
	case KindAssociation:
		h.describe(sb, obj.Slots[0], depth+1)
		sb.WriteString(" : ")
		h.describe(sb, obj.Slots[1], depth+1)
	case KindDictionary:
		sb.WriteString("#{")
		for i, e := range obj.Payload.(*dictionary).entries {
			if i > 0 {
				sb.WriteString(". ")
			}
			h.describe(sb, e, depth+1)
		}
		sb.WriteString("}")
	case KindFunction:
		if name := h.PrimitiveNameOf(v); name != "" {
			sb.WriteString("primitive " + name)
		} else if def := h.DefinitionOf(obj.Slots[FunctionSlotDefinition]); def != nil {
			sb.WriteString("function " + def.Name)
		} else {
			sb.WriteString("function")
		}
	case KindFunctionDefinition:
		if def, _ := obj.Payload.(*Definition); def != nil {
			sb.WriteString("definition " + def.Name)
		}
	case KindException:
		sb.WriteString(h.TypeName(obj.Type) + ": " + h.SymbolString(obj.Slots[ExceptionSlotMessageText]))
	case KindMessage:
		sb.WriteString("message ")
		h.describe(sb, obj.Slots[0], depth+1)
	default:
		fmt.Fprintf(sb, "a %s", h.TypeName(obj.Type))
	}
}
