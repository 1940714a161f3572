// Package asm implements the tern assembler.
//
// Source is line oriented: each line holds any number of label
// definitions followed by at most one instruction or directive, and
// semicolons start comments. The instruction syntax is the one the
// disassembler prints, so a vm.Disassemble listing assembles back
// to the code bytes it came from.
//
// # Instructions
//
// Registers are named r0 through r11. ALU instructions take a
// register or an immediate as their second operand and pick the
// opcode form from it:
//
//	add r1, 5
//	add r1, r2
//	neg r3
//
// Loads and stores address memory as [rN], [rN+off], or [rN-off]:
//
//	ld32 r2, [r3+8]
//	st64 [r1], r2
//	st8 [r1+2], 7
//
// ldw loads a full 64-bit immediate and occupies two slots. Jumps
// and calls take a label or an explicit relative offset, counted in
// slots from the next instruction:
//
//	loop:	add r0, 1
//		jlt r0, 10, loop
//		jmp +2
//		call fn
//
// # Directives
//
//	.name "tool"	image name
//	.memory 0x10000	memory size in bytes
//	.entry main	entry slot, by label or number
//	.equ LIMIT 10	textual constant, usable wherever a word is
//	.data 0x100	start the data section at a load address
//	.ascii "hi"	emit string bytes (.asciz appends a NUL)
//	.byte 1 2 'c'	emit bytes
//	.quad 0x1234	emit a raw 8-byte value
//
// The data section ends the code section. Labels defined after
// .data name absolute addresses rather than slots; instructions
// reference them through ldw or an ALU immediate:
//
//	ldw r2, msg
//
// # Literals and expressions
//
// Integer literals take the 0x, 0o, and 0b prefixes. Character
// literals such as 'A' and '\n' expand to their byte value. A $()
// form evaluates as a Starlark expression with every integer equate
// in scope:
//
//	.equ BASE 0x100
//	ldw r2, $(BASE + 8*4)
//
// # Predefined names
//
// The host call ABI is predefined: STDOUT, STDERR, WRITE, SHA256,
// KECCAK256, BLAKE3, and CLOCK. A write to standard output is
//
//	mov r1, STDOUT
//	trap WRITE
package asm
