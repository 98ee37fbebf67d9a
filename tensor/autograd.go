package tensor

import (
	"fmt"
)

// Apply runs op on inputs and records it on the autograd graph when any
// input requires gradients. Operations defined outside this package use
// Apply to become differentiable.
func Apply(op Operation, inputs ...*Tensor) (*Tensor, error) {
	out, err := op.Forward(inputs...)
	if err != nil {
		return nil, err
	}

	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			out.parents = inputs
			break
		}
	}
	return out, nil
}

// Backward computes gradients of t with respect to every leaf tensor that
// requires them. t must hold a single element; gradients accumulate into
// the leaves until ZeroGrad is called.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("%w: Backward without an explicit gradient needs a scalar, got shape %v", ErrShapeMismatch, t.Shape)
	}
	return t.BackwardWithGrad(OnesLike(t))
}

// BackwardWithGrad back-propagates gradOut, which must match t's shape.
func (t *Tensor) BackwardWithGrad(gradOut *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad and has no grad function")
	}
	if !shapesEqual(t.Shape, gradOut.Shape) {
		return fmt.Errorf("%w: gradient shape %v does not match tensor shape %v", ErrShapeMismatch, gradOut.Shape, t.Shape)
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: gradOut}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.requiresGrad {
				if err := node.accumulateGrad(g); err != nil {
					return err
				}
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T failed: %w", node.creator, err)
		}
		if len(inputGrads) != len(node.parents) {
			return fmt.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(node.parents))
		}

		for j, parent := range node.parents {
			pg := inputGrads[j]
			if parent == nil || pg == nil || !parent.requiresGrad {
				continue
			}
			if !shapesEqual(pg.Shape, parent.Shape) {
				return fmt.Errorf("%w: %T produced gradient %v for input %v", ErrShapeMismatch, node.creator, pg.Shape, parent.Shape)
			}
			if existing, ok := grads[parent]; ok {
				sum, err := Add(existing, pg)
				if err != nil {
					return err
				}
				grads[parent] = sum
			} else {
				grads[parent] = pg
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		clone.requiresGrad = false
		t.grad = clone
		return nil
	}
	dst := t.grad.Float32s()
	for i, v := range g.Float32s() {
		dst[i] += v
	}
	return nil
}

// topologicalOrder returns the graph reachable from root so that every
// tensor appears after all of its parents.
func topologicalOrder(root *Tensor) []*Tensor {
	type frame struct {
		node *Tensor
		next int
	}

	var order []*Tensor
	visited := map[*Tensor]bool{root: true}
	stack := []frame{{node: root}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.parents) {
			parent := top.node.parents[top.next]
			top.next++
			if parent != nil && parent.requiresGrad && !visited[parent] {
				visited[parent] = true
				stack = append(stack, frame{node: parent})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}
