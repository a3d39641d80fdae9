package amd64

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/guestjit/x64backend/internal/asm"
)

// AMD64-specific instructions.
// https://www.felixcloutier.com/x86/index.html
//
// Note: here we do not define all of amd64 instructions, and we only define the ones used by the backend.
// Note: naming convention is exactly the same as Go assembler: https://go.dev/doc/asm
const (
	NOP  asm.Instruction = obj.ANOP
	JMP  asm.Instruction = obj.AJMP
	CALL asm.Instruction = obj.ACALL
	RET  asm.Instruction = obj.ARET

	BYTE asm.Instruction = x86.ABYTE
	INT  asm.Instruction = x86.AINT
	UD2  asm.Instruction = x86.AUD2

	JEQ asm.Instruction = x86.AJEQ
	JNE asm.Instruction = x86.AJNE
	JLT asm.Instruction = x86.AJLT
	JLE asm.Instruction = x86.AJLE
	JGT asm.Instruction = x86.AJGT
	JGE asm.Instruction = x86.AJGE
	JCS asm.Instruction = x86.AJCS
	JCC asm.Instruction = x86.AJCC
	JHI asm.Instruction = x86.AJHI
	JLS asm.Instruction = x86.AJLS

	MOVB    asm.Instruction = x86.AMOVB
	MOVW    asm.Instruction = x86.AMOVW
	MOVL    asm.Instruction = x86.AMOVL
	MOVQ    asm.Instruction = x86.AMOVQ
	MOVBLZX asm.Instruction = x86.AMOVBLZX
	MOVBQZX asm.Instruction = x86.AMOVBQZX
	MOVWLZX asm.Instruction = x86.AMOVWLZX
	MOVWQZX asm.Instruction = x86.AMOVWQZX
	MOVBLSX asm.Instruction = x86.AMOVBLSX
	MOVBQSX asm.Instruction = x86.AMOVBQSX
	MOVWLSX asm.Instruction = x86.AMOVWLSX
	MOVWQSX asm.Instruction = x86.AMOVWQSX
	MOVLQSX asm.Instruction = x86.AMOVLQSX
	MOVBEWW asm.Instruction = x86.AMOVBEWW
	MOVBELL asm.Instruction = x86.AMOVBELL
	MOVBEQQ asm.Instruction = x86.AMOVBEQQ
	CMOVQNE asm.Instruction = x86.ACMOVQNE
	LEAL    asm.Instruction = x86.ALEAL
	LEAQ    asm.Instruction = x86.ALEAQ
	PUSHQ   asm.Instruction = x86.APUSHQ
	POPQ    asm.Instruction = x86.APOPQ

	ADDB   asm.Instruction = x86.AADDB
	ADDW   asm.Instruction = x86.AADDW
	ADDL   asm.Instruction = x86.AADDL
	ADDQ   asm.Instruction = x86.AADDQ
	SUBB   asm.Instruction = x86.ASUBB
	SUBW   asm.Instruction = x86.ASUBW
	SUBL   asm.Instruction = x86.ASUBL
	SUBQ   asm.Instruction = x86.ASUBQ
	ANDB   asm.Instruction = x86.AANDB
	ANDW   asm.Instruction = x86.AANDW
	ANDL   asm.Instruction = x86.AANDL
	ANDQ   asm.Instruction = x86.AANDQ
	ORB    asm.Instruction = x86.AORB
	ORW    asm.Instruction = x86.AORW
	ORL    asm.Instruction = x86.AORL
	ORQ    asm.Instruction = x86.AORQ
	XORB   asm.Instruction = x86.AXORB
	XORW   asm.Instruction = x86.AXORW
	XORL   asm.Instruction = x86.AXORL
	XORQ   asm.Instruction = x86.AXORQ
	IMULW  asm.Instruction = x86.AIMULW
	IMULL  asm.Instruction = x86.AIMULL
	IMULQ  asm.Instruction = x86.AIMULQ
	IMUL3L asm.Instruction = x86.AIMUL3L
	NEGB   asm.Instruction = x86.ANEGB
	NEGW   asm.Instruction = x86.ANEGW
	NEGL   asm.Instruction = x86.ANEGL
	NEGQ   asm.Instruction = x86.ANEGQ
	NOTB   asm.Instruction = x86.ANOTB
	NOTW   asm.Instruction = x86.ANOTW
	NOTL   asm.Instruction = x86.ANOTL
	NOTQ   asm.Instruction = x86.ANOTQ
	INCQ   asm.Instruction = x86.AINCQ

	SHLB  asm.Instruction = x86.ASHLB
	SHLW  asm.Instruction = x86.ASHLW
	SHLL  asm.Instruction = x86.ASHLL
	SHLQ  asm.Instruction = x86.ASHLQ
	SHRB  asm.Instruction = x86.ASHRB
	SHRW  asm.Instruction = x86.ASHRW
	SHRL  asm.Instruction = x86.ASHRL
	SHRQ  asm.Instruction = x86.ASHRQ
	SARB  asm.Instruction = x86.ASARB
	SARW  asm.Instruction = x86.ASARW
	SARL  asm.Instruction = x86.ASARL
	SARQ  asm.Instruction = x86.ASARQ
	SHLXL asm.Instruction = x86.ASHLXL
	SHLXQ asm.Instruction = x86.ASHLXQ
	SHRXL asm.Instruction = x86.ASHRXL
	SHRXQ asm.Instruction = x86.ASHRXQ
	SARXL asm.Instruction = x86.ASARXL
	SARXQ asm.Instruction = x86.ASARXQ
	ROLW  asm.Instruction = x86.AROLW

	BSWAPL asm.Instruction = x86.ABSWAPL
	BSWAPQ asm.Instruction = x86.ABSWAPQ
	LZCNTW asm.Instruction = x86.ALZCNTW
	LZCNTL asm.Instruction = x86.ALZCNTL
	LZCNTQ asm.Instruction = x86.ALZCNTQ
	BSRL   asm.Instruction = x86.ABSRL
	BSRQ   asm.Instruction = x86.ABSRQ

	CMPB  asm.Instruction = x86.ACMPB
	CMPW  asm.Instruction = x86.ACMPW
	CMPL  asm.Instruction = x86.ACMPL
	CMPQ  asm.Instruction = x86.ACMPQ
	TESTB asm.Instruction = x86.ATESTB
	TESTW asm.Instruction = x86.ATESTW
	TESTL asm.Instruction = x86.ATESTL
	TESTQ asm.Instruction = x86.ATESTQ
	SETEQ asm.Instruction = x86.ASETEQ
	SETNE asm.Instruction = x86.ASETNE
	SETLT asm.Instruction = x86.ASETLT
	SETLE asm.Instruction = x86.ASETLE
	SETGT asm.Instruction = x86.ASETGT
	SETGE asm.Instruction = x86.ASETGE
	SETCS asm.Instruction = x86.ASETCS
	SETCC asm.Instruction = x86.ASETCC
	SETHI asm.Instruction = x86.ASETHI
	SETLS asm.Instruction = x86.ASETLS

	MOVSS   asm.Instruction = x86.AMOVSS
	MOVSD   asm.Instruction = x86.AMOVSD
	MOVUPS  asm.Instruction = x86.AMOVUPS
	MOVAPS  asm.Instruction = x86.AMOVAPS
	ADDSS   asm.Instruction = x86.AADDSS
	ADDSD   asm.Instruction = x86.AADDSD
	ADDPS   asm.Instruction = x86.AADDPS
	SUBSS   asm.Instruction = x86.ASUBSS
	SUBSD   asm.Instruction = x86.ASUBSD
	SUBPS   asm.Instruction = x86.ASUBPS
	MULSS   asm.Instruction = x86.AMULSS
	MULSD   asm.Instruction = x86.AMULSD
	MULPS   asm.Instruction = x86.AMULPS
	DIVSS   asm.Instruction = x86.ADIVSS
	DIVSD   asm.Instruction = x86.ADIVSD
	DIVPS   asm.Instruction = x86.ADIVPS
	SQRTSS  asm.Instruction = x86.ASQRTSS
	SQRTSD  asm.Instruction = x86.ASQRTSD
	SQRTPS  asm.Instruction = x86.ASQRTPS
	ANDPS   asm.Instruction = x86.AANDPS
	ANDPD   asm.Instruction = x86.AANDPD
	XORPS   asm.Instruction = x86.AXORPS
	XORPD   asm.Instruction = x86.AXORPD
	PAND    asm.Instruction = x86.APAND
	POR     asm.Instruction = x86.APOR
	PXOR    asm.Instruction = x86.APXOR
	PCMPEQB asm.Instruction = x86.APCMPEQB
	PSHUFB  asm.Instruction = x86.APSHUFB
	PSHUFD  asm.Instruction = x86.APSHUFD
	PTEST   asm.Instruction = x86.APTEST
	UCOMISS asm.Instruction = x86.AUCOMISS
	UCOMISD asm.Instruction = x86.AUCOMISD

	VFMADD213SS  asm.Instruction = x86.AVFMADD213SS
	VFMADD213SD  asm.Instruction = x86.AVFMADD213SD
	VFMADD213PS  asm.Instruction = x86.AVFMADD213PS
	VPBROADCASTD asm.Instruction = x86.AVPBROADCASTD
	VCVTPH2PS    asm.Instruction = x86.AVCVTPH2PS
)

// InstructionName returns the Go assembler name of the instruction, e.g. "MOVQ".
func InstructionName(inst asm.Instruction) string {
	return inst.String()
}
