package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// mapToStruct converts map[string]interface{} to the struct type object.
// output must be a pointer to the struct object.
func mapToStruct(input map[string]interface{}, output interface{}) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(input); err != nil {
		return err
	}
	if err := json.NewDecoder(buf).Decode(output); err != nil && err != io.EOF {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, uerr.Type.String())
		}
		return err
	}
	return nil
}
