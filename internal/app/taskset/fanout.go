package taskset

import (
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// splitConfiguration expands a configuration that packs a list into one
// configuration per element. Struct elements are re-packed as Structs; any
// other element is packed as a Value. A configuration that is not a list, or
// an empty list, yields itself as the only sub-configuration.
func splitConfiguration(cfg *anypb.Any) ([]*anypb.Any, bool, error) {
	if cfg == nil || !cfg.MessageIs(&structpb.ListValue{}) {
		return []*anypb.Any{cfg}, false, nil
	}

	list := new(structpb.ListValue)
	if err := cfg.UnmarshalTo(list); err != nil {
		return nil, false, fmt.Errorf("unpack configuration list: %w", err)
	}
	if len(list.GetValues()) == 0 {
		return []*anypb.Any{cfg}, false, nil
	}

	subs := make([]*anypb.Any, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		var (
			sub *anypb.Any
			err error
		)
		if s := v.GetStructValue(); s != nil {
			sub, err = anypb.New(s)
		} else {
			sub, err = anypb.New(v)
		}
		if err != nil {
			return nil, false, fmt.Errorf("pack sub-configuration %d: %w", i, err)
		}
		subs = append(subs, sub)
	}
	return subs, true, nil
}
