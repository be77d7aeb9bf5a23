package protocol

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Wire field names.
const (
	fieldClientID  = "clientId"
	fieldNickname  = "nickname"
	fieldContent   = "content"
	fieldError     = "error"
	fieldTimestamp = "timestamp"
	fieldProtocol  = "protocol"
)

// toRecord converts the Message to a flat key/value record.
// Empty fields are left out of the record.
func (m Message) toRecord() *structpb.Struct {
	fields := make(map[string]*structpb.Value, 6)

	putString := func(name, value string) {
		if value != "" {
			fields[name] = structpb.NewStringValue(value)
		}
	}

	putString(fieldClientID, m.ClientID)
	if m.Key == KeyNicknameList {
		values := make([]*structpb.Value, 0, len(m.Nicknames))
		for _, name := range m.Nicknames {
			values = append(values, structpb.NewStringValue(name))
		}
		fields[fieldNickname] = structpb.NewListValue(&structpb.ListValue{Values: values})
	} else {
		putString(fieldNickname, m.Nickname)
	}
	putString(fieldContent, m.Content)
	putString(fieldError, m.Error)
	putString(fieldTimestamp, m.Timestamp)
	putString(fieldProtocol, m.Protocol)

	return &structpb.Struct{Fields: fields}
}

// fromRecord populates the Message from a decoded record and derives its Key.
func (m *Message) fromRecord(rec *structpb.Struct) error {
	var err error
	get := func(name string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = stringField(rec, name)
		return s
	}

	m.ClientID = get(fieldClientID)
	m.Content = get(fieldContent)
	m.Error = get(fieldError)
	m.Timestamp = get(fieldTimestamp)
	m.Protocol = get(fieldProtocol)
	if err != nil {
		return err
	}

	isList := false
	if v, ok := rec.GetFields()[fieldNickname]; ok {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_NullValue:
		case *structpb.Value_StringValue:
			m.Nickname = kind.StringValue
		case *structpb.Value_ListValue:
			names := make([]string, 0, len(kind.ListValue.GetValues()))
			for _, item := range kind.ListValue.GetValues() {
				s, ok := item.GetKind().(*structpb.Value_StringValue)
				if !ok {
					return fmt.Errorf("%w: %s list must contain strings", ErrMalformedMessage, fieldNickname)
				}
				names = append(names, s.StringValue)
			}
			m.Nicknames = names
			isList = true
		default:
			return fmt.Errorf("%w: %s must be a string or a list", ErrMalformedMessage, fieldNickname)
		}
	}

	switch {
	case isList:
		m.Key = KeyNicknameList
	case m.Content != "":
		m.Key = KeyContent
	case m.Error != "":
		m.Key = KeyError
	case m.Nickname != "":
		m.Key = KeyRename
	case m.ClientID != "":
		m.Key = KeyClientID
	default:
		m.Key = KeyUnknown
	}
	return nil
}

// stringField returns the named string field, or "" when it is absent or null.
func stringField(rec *structpb.Struct, name string) (string, error) {
	v, ok := rec.GetFields()[name]
	if !ok {
		return "", nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	default:
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedMessage, name)
	}
}
