// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

// pricing is USD per 1000 tokens, input and output.
type pricing struct {
	in  float64
	out float64
}

// priceTable covers the models the pipeline is normally run with. Unknown
// models cost zero rather than guessing.
var priceTable = map[string]pricing{
	"gpt-4":       {in: 0.03, out: 0.06},
	"gpt-4o":      {in: 0.0025, out: 0.01},
	"gpt-4o-mini": {in: 0.00015, out: 0.0006},
}

// Cost estimates the USD cost of one call from its token counts.
func Cost(model string, tokensIn, tokensOut int) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1000*p.in + float64(tokensOut)/1000*p.out
}
