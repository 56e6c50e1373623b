// Package frame encodes commands for the MicroAlign controller and decodes its replies.
//
// Every frame is one newline-terminated ASCII line. Commands:
//
//	*IDN?                                   identify
//	WRITE {fiber} {left} {right}            set bias pair
//	READ {fiber} {samples}                  request coupling
//	START {samples} {min_step}[ {kick}][ {initial_step}]
//	NEXT                                    advance the alignment algorithm
//	STOP                                    stop the alignment algorithm
//
// Replies are either simple acknowledgements ("OK", "STARTING", "STOPPED"), a
// "{min} {max} {avg}" coupling tuple, or one of the composite multi-fiber
// frames produced while the alignment algorithm runs:
//
//	coupling:F{n}C{v}F{n}C{v}...
//	bias:F{n}L{l}R{r}F{n}L{l}R{r}...
//
// Composite segments may arrive in any fiber order. Decoders index results by
// the fiber number embedded in each segment (index 0 is fiber 1) and require
// every fiber to appear exactly once.
package frame
