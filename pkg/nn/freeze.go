package nn

// BlocksToFreeze selects the blocks whose gradients are disabled for
// numLayersUnfrozen: all of them for 0, all but the last n for n > 0
// (none when n >= len(blocks)), and none for negative values.
func BlocksToFreeze(blocks []Module, numLayersUnfrozen int) []Module {
	switch {
	case numLayersUnfrozen == 0:
		return blocks
	case numLayersUnfrozen > 0:
		keep := len(blocks) - numLayersUnfrozen
		if keep <= 0 {
			return nil
		}
		return blocks[:keep]
	default:
		return nil
	}
}

// FreezeBottom disables gradients for every parameter of the blocks chosen by
// BlocksToFreeze and returns how many blocks were frozen. There is no unfreeze.
func FreezeBottom(blocks []Module, numLayersUnfrozen int) int {
	frozen := BlocksToFreeze(blocks, numLayersUnfrozen)
	for _, block := range frozen {
		for _, p := range block.Parameters() {
			p.SetRequiresGrad(false)
		}
	}
	return len(frozen)
}
