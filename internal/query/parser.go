package query

import "fmt"

// Parser builds an AST from a token stream via recursive descent.
type Parser struct {
	tokens []Token
	pos    int
}

// Parse tokenizes and parses input into a Query.
func Parse(input string) (*Query, error) {
	lx := NewLexer(input)
	tokens, err := lx.Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: tokens}
	return p.parseQuery()
}

func (p *Parser) cur() Token {
	return p.tokens[p.pos]
}

func (p *Parser) advance() Token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) isKeyword(kw string) bool {
	return p.cur().Type == TokenKeyword && p.cur().Value == kw
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return fmt.Errorf("expected %s at position %d, got %v", kw, p.cur().Pos, p.cur())
	}
	p.advance()
	return nil
}

func (p *Parser) expectIdent() (string, error) {
	if p.cur().Type != TokenIdent {
		return "", fmt.Errorf("expected identifier at position %d, got %v", p.cur().Pos, p.cur())
	}
	t := p.advance()
	return t.Raw, nil
}

func (p *Parser) parseQuery() (*Query, error) {
	q := &Query{}
	for {
		switch {
		case p.isKeyword("FOR"):
			c, err := p.parseForOrTraversal()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("LET"):
			c, err := p.parseLet()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("FILTER"):
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, FilterClause{Pred: e})
		case p.isKeyword("SORT"):
			c, err := p.parseSort()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("LIMIT"):
			c, err := p.parseLimit()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("COLLECT"):
			c, err := p.parseCollect()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("INSERT"), p.isKeyword("UPDATE"), p.isKeyword("UPSERT"), p.isKeyword("REMOVE"):
			c, err := p.parseMutation()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("RETURN"):
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			q.Return = &ReturnClause{Value: e}
			annotateMutationReturn(q)
			return q, nil
		case p.cur().Type == TokenEOF:
			annotateMutationReturn(q)
			return q, nil
		default:
			return nil, fmt.Errorf("unexpected token %v at position %d", p.cur(), p.cur().Pos)
		}
	}
}

// annotateMutationReturn marks the query's trailing MutationClause, if
// any, with whether its RETURN expression references OLD and/or NEW, so
// applyMutation knows whether a pre-image read is worth paying for.
func annotateMutationReturn(q *Query) {
	if q.Return == nil || len(q.Clauses) == 0 {
		return
	}
	last := len(q.Clauses) - 1
	mc, ok := q.Clauses[last].(MutationClause)
	if !ok {
		return
	}
	mc.ReturnOld = referencesVar(q.Return.Value, "old")
	mc.ReturnNew = referencesVar(q.Return.Value, "new")
	q.Clauses[last] = mc
}

func (p *Parser) parseForOrTraversal() (Clause, error) {
	p.advance() // FOR
	v1, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	v2, v3 := "", ""
	if p.cur().Type == TokenComma {
		p.advance()
		v2, err = p.expectIdent()
		if err != nil {
			return nil, err
		}
		if p.cur().Type == TokenComma {
			p.advance()
			v3, err = p.expectIdent()
			if err != nil {
				return nil, err
			}
		}
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}

	// Traversal form: depthLo..depthHi (OUTBOUND|INBOUND|ANY) start edgeColl
	if p.cur().Type == TokenNumber {
		save := p.pos
		lo, err := p.parseIntLiteral()
		if err == nil && p.cur().Type == TokenRange {
			p.advance()
			hi, err2 := p.parseIntLiteral()
			if err2 == nil && (p.isKeyword("OUTBOUND") || p.isKeyword("INBOUND") || p.isKeyword("ANY")) {
				dir := p.advance().Value
				start, err3 := p.parseUnary()
				if err3 != nil {
					return nil, err3
				}
				edgeColl, err4 := p.expectIdent()
				if err4 != nil {
					return nil, err4
				}
				return TraversalClause{
					VertexVar: v1, EdgeVar: v2, PathVar: v3,
					DepthLo: lo, DepthHi: hi, Direction: dir,
					Start: start, EdgeColl: edgeColl,
				}, nil
			}
		}
		p.pos = save
	}

	src, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return ForClause{Var: v1, Source: src}, nil
}

func (p *Parser) parseIntLiteral() (int, error) {
	if p.cur().Type != TokenNumber {
		return 0, fmt.Errorf("expected integer at position %d", p.cur().Pos)
	}
	t := p.advance()
	n := 0
	for _, r := range t.Raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("expected integer, got %q", t.Raw)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func (p *Parser) parseLet() (Clause, error) {
	p.advance() // LET
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if p.cur().Type != TokenAssign {
		return nil, fmt.Errorf("expected '=' at position %d", p.cur().Pos)
	}
	p.advance()
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return LetClause{Var: name, Value: val}, nil
}

func (p *Parser) parseSort() (Clause, error) {
	p.advance() // SORT
	var keys []SortKey
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		desc := false
		if p.isKeyword("ASC") {
			p.advance()
		} else if p.isKeyword("DESC") {
			desc = true
			p.advance()
		}
		keys = append(keys, SortKey{Expr: e, Desc: desc})
		if p.cur().Type != TokenComma {
			break
		}
		p.advance()
	}
	return SortClause{Keys: keys}, nil
}

func (p *Parser) parseLimit() (Clause, error) {
	p.advance() // LIMIT
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().Type == TokenComma {
		p.advance()
		second, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return LimitClause{Offset: first, Count: second}, nil
	}
	return LimitClause{Count: first}, nil
}

func (p *Parser) parseCollect() (Clause, error) {
	p.advance() // COLLECT
	c := CollectClause{}
	for {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if p.cur().Type != TokenAssign {
			return nil, fmt.Errorf("expected '=' in COLLECT at position %d", p.cur().Pos)
		}
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Groups = append(c.Groups, GroupSpec{Var: name, Value: val})
		if p.cur().Type != TokenComma {
			break
		}
		p.advance()
	}
	if p.isKeyword("INTO") {
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		c.Into = name
	}
	if p.isKeyword("AGGREGATE") {
		p.advance()
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if p.cur().Type != TokenAssign {
				return nil, fmt.Errorf("expected '=' in AGGREGATE at position %d", p.cur().Pos)
			}
			p.advance()
			fn, args, err := p.parseFuncCallHead()
			if err != nil {
				return nil, err
			}
			var arg Expr
			if len(args) > 0 {
				arg = args[0]
			}
			c.Aggregates = append(c.Aggregates, AggSpec{Var: name, Func: fn, Arg: arg})
			if p.cur().Type != TokenComma {
				break
			}
			p.advance()
		}
	}
	return c, nil
}

func (p *Parser) parseFuncCallHead() (name string, args []Expr, err error) {
	name, err = p.expectIdent()
	if err != nil {
		return "", nil, err
	}
	if p.cur().Type != TokenLParen {
		return "", nil, fmt.Errorf("expected '(' after function name %q", name)
	}
	p.advance()
	if p.cur().Type != TokenRParen {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return "", nil, err
			}
			args = append(args, e)
			if p.cur().Type != TokenComma {
				break
			}
			p.advance()
		}
	}
	if p.cur().Type != TokenRParen {
		return "", nil, fmt.Errorf("expected ')' at position %d", p.cur().Pos)
	}
	p.advance()
	return name, args, nil
}

func (p *Parser) parseMutation() (Clause, error) {
	kw := p.advance().Value
	switch kw {
	case "INSERT":
		doc, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("INTO"); err != nil {
			return nil, err
		}
		coll, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return MutationClause{Kind: MutInsert, Collection: coll, Doc: doc}, nil
	case "UPDATE":
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("WITH"); err != nil {
			return nil, err
		}
		doc, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("IN"); err != nil {
			return nil, err
		}
		coll, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return MutationClause{Kind: MutUpdate, Collection: coll, Key: key, UpdateDoc: doc}, nil
	case "UPSERT":
		search, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("INSERT"); err != nil {
			return nil, err
		}
		insertDoc, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("UPDATE"); err != nil {
			return nil, err
		}
		updateDoc, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("IN"); err != nil {
			return nil, err
		}
		coll, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return MutationClause{Kind: MutUpsert, Collection: coll, SearchDoc: search, Doc: insertDoc, UpdateDoc: updateDoc}, nil
	case "REMOVE":
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("IN"); err != nil {
			return nil, err
		}
		coll, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return MutationClause{Kind: MutRemove, Collection: coll, Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown mutation keyword %q", kw)
	}
}

// Expression grammar, lowest to highest precedence:
//   or -> and -> not -> equality -> relational -> additive -> multiplicative -> unary -> postfix -> primary

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "NOT", Operand: operand}, nil
	}
	return p.parseEquality()
}

func (p *Parser) parseEquality() (Expr, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokenEquals || p.cur().Type == TokenNotEquals {
		op := "=="
		if p.cur().Type == TokenNotEquals {
			op = "!="
		}
		p.advance()
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseRelational() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch p.cur().Type {
		case TokenLess:
			op = "<"
		case TokenLessEq:
			op = "<="
		case TokenGreater:
			op = ">"
		case TokenGreaterEq:
			op = ">="
		default:
			if p.isKeyword("IN") {
				op = "IN"
			} else {
				return left, nil
			}
		}
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokenPlus || p.cur().Type == TokenMinus {
		op := "+"
		if p.cur().Type == TokenMinus {
			op = "-"
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokenStar || p.cur().Type == TokenSlash || p.cur().Type == TokenPercent {
		var op string
		switch p.cur().Type {
		case TokenStar:
			op = "*"
		case TokenSlash:
			op = "/"
		case TokenPercent:
			op = "%"
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.cur().Type == TokenMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().Type {
		case TokenDot:
			p.advance()
			field, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			e = MemberExpr{Object: e, Field: field}
		case TokenLBracket:
			p.advance()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if p.cur().Type != TokenRBracket {
				return nil, fmt.Errorf("expected ']' at position %d", p.cur().Pos)
			}
			p.advance()
			e = IndexExpr{Object: e, Index: idx}
		default:
			return e, nil
		}
	}
}

func (p *Parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Type {
	case TokenNumber:
		p.advance()
		return LiteralExpr{Value: parseNumberLiteral(t.Raw)}, nil
	case TokenString:
		p.advance()
		return LiteralExpr{Value: t.Raw}, nil
	case TokenBindParam:
		p.advance()
		return BindParamExpr{Name: t.Raw}, nil
	case TokenLParen:
		p.advance()
		if p.isKeyword("FOR") || p.isKeyword("LET") {
			sub, err := p.parseQuery()
			if err != nil {
				return nil, err
			}
			if p.cur().Type != TokenRParen {
				return nil, fmt.Errorf("expected ')' closing subquery at position %d", p.cur().Pos)
			}
			p.advance()
			return SubqueryExpr{Query: sub}, nil
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur().Type != TokenRParen {
			return nil, fmt.Errorf("expected ')' at position %d", p.cur().Pos)
		}
		p.advance()
		return e, nil
	case TokenLBracket:
		return p.parseArrayLiteral()
	case TokenLBrace:
		return p.parseObjectLiteral()
	case TokenKeyword:
		switch t.Value {
		case "TRUE":
			p.advance()
			return LiteralExpr{Value: true}, nil
		case "FALSE":
			p.advance()
			return LiteralExpr{Value: false}, nil
		case "NULL":
			p.advance()
			return LiteralExpr{Value: nil}, nil
		case "NEW":
			p.advance()
			return IdentExpr{Name: "new"}, nil
		case "OLD":
			p.advance()
			return IdentExpr{Name: "old"}, nil
		}
		return nil, fmt.Errorf("unexpected keyword %s at position %d", t.Value, t.Pos)
	case TokenIdent:
		p.advance()
		if p.cur().Type == TokenLParen {
			p.advance()
			var args []Expr
			if p.cur().Type != TokenRParen {
				for {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, e)
					if p.cur().Type != TokenComma {
						break
					}
					p.advance()
				}
			}
			if p.cur().Type != TokenRParen {
				return nil, fmt.Errorf("expected ')' at position %d", p.cur().Pos)
			}
			p.advance()
			return FuncCallExpr{Name: t.Raw, Args: args}, nil
		}
		return IdentExpr{Name: t.Raw}, nil
	default:
		return nil, fmt.Errorf("unexpected token %v at position %d", t, t.Pos)
	}
}

func (p *Parser) parseArrayLiteral() (Expr, error) {
	p.advance() // [
	var elems []Expr
	if p.cur().Type != TokenRBracket {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if p.cur().Type != TokenComma {
				break
			}
			p.advance()
		}
	}
	if p.cur().Type != TokenRBracket {
		return nil, fmt.Errorf("expected ']' at position %d", p.cur().Pos)
	}
	p.advance()
	return ArrayExpr{Elements: elems}, nil
}

func (p *Parser) parseObjectLiteral() (Expr, error) {
	p.advance() // {
	var fields []ObjectField
	if p.cur().Type != TokenRBrace {
		for {
			var key string
			switch p.cur().Type {
			case TokenIdent:
				key = p.advance().Raw
			case TokenString:
				key = p.advance().Raw
			case TokenKeyword:
				key = p.advance().Raw
			default:
				return nil, fmt.Errorf("expected object key at position %d", p.cur().Pos)
			}
			if p.cur().Type != TokenColon {
				return nil, fmt.Errorf("expected ':' at position %d", p.cur().Pos)
			}
			p.advance()
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			fields = append(fields, ObjectField{Key: key, Value: val})
			if p.cur().Type != TokenComma {
				break
			}
			p.advance()
		}
	}
	if p.cur().Type != TokenRBrace {
		return nil, fmt.Errorf("expected '}' at position %d", p.cur().Pos)
	}
	p.advance()
	return ObjectExpr{Fields: fields}, nil
}

func parseNumberLiteral(raw string) any {
	hasDot := false
	for _, r := range raw {
		if r == '.' {
			hasDot = true
			break
		}
	}
	if !hasDot {
		var n int64
		for _, r := range raw {
			n = n*10 + int64(r-'0')
		}
		return n
	}
	var f float64
	var frac float64 = 1
	seenDot := false
	for _, r := range raw {
		if r == '.' {
			seenDot = true
			continue
		}
		d := float64(r - '0')
		if !seenDot {
			f = f*10 + d
		} else {
			frac *= 10
			f += d / frac
		}
	}
	return f
}
